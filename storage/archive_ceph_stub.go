//go:build !ceph

/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package storage

// CephBlobStore is a stub when Ceph support is not compiled in.
// Build with -tags=ceph to enable the Ceph archive backend.
type CephBlobStore struct{}

func NewCephBlobStore(clusterName, userName, confFile, pool, prefix string) (*CephBlobStore, error) {
	panic("Ceph archive support not compiled in. Build with: go build -tags=ceph")
}

func (b *CephBlobStore) Put(key string, data []byte) error { panic("unreachable") }
func (b *CephBlobStore) Get(key string) ([]byte, error)    { panic("unreachable") }
func (b *CephBlobStore) Close()                             {}
