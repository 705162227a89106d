// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package logmodel

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-process UserDirectory and RepositoryDirectory.
// Backends use it in tests; deployments without a registry database can use
// it as a static identity source loaded at boot.
type MemoryDirectory struct {
	mu          sync.RWMutex
	usersByName map[string]*User
	usersByID   map[int64]*User
	reposByPath map[string]*Repository
	reposByID   map[int64]*Repository
}

var (
	_ UserDirectory       = (*MemoryDirectory)(nil)
	_ RepositoryDirectory = (*MemoryDirectory)(nil)
)

// NewMemoryDirectory builds an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		usersByName: map[string]*User{},
		usersByID:   map[int64]*User{},
		reposByPath: map[string]*Repository{},
		reposByID:   map[int64]*Repository{},
	}
}

// AddUser registers a user or organization.
func (d *MemoryDirectory) AddUser(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := u
	d.usersByName[u.Username] = &copied
	d.usersByID[u.ID] = &copied
}

// AddRepository registers a repository under its namespace.
func (d *MemoryDirectory) AddRepository(r Repository) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := r
	d.reposByPath[r.NamespaceName+"/"+r.Name] = &copied
	d.reposByID[r.ID] = &copied
}

func (d *MemoryDirectory) GetUser(ctx context.Context, username string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.usersByName[username], nil
}

func (d *MemoryDirectory) GetNamespaceUser(ctx context.Context, username string) (*User, error) {
	return d.GetUser(ctx, username)
}

func (d *MemoryDirectory) GetNamespaceUsersByUsernames(ctx context.Context, usernames []string) (map[string]*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]*User, len(usernames))
	for _, name := range usernames {
		if u, ok := d.usersByName[name]; ok {
			out[name] = u
		}
	}
	return out, nil
}

func (d *MemoryDirectory) GetUsersByIDs(ctx context.Context, ids []int64) (map[int64]*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[int64]*User, len(ids))
	for _, id := range ids {
		if u, ok := d.usersByID[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (d *MemoryDirectory) GetRepository(ctx context.Context, namespace, name string) (*Repository, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reposByPath[namespace+"/"+name], nil
}

func (d *MemoryDirectory) LookupRepository(ctx context.Context, id int64) (*Repository, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reposByID[id], nil
}
