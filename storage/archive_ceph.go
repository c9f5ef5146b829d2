//go:build ceph

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

import (
	"github.com/ceph/go-ceph/rados"
)

// CephBlobStore mirrors archived blobs into a Ceph pool via librados.
// Grounded on storage/persistence-ceph.go's connection setup, narrowed to
// whole-object put/get since the archive never needs in-place rewrites.
type CephBlobStore struct {
	conn   *rados.Conn
	ioctx  *rados.IOContext
	prefix string
}

func NewCephBlobStore(clusterName, userName, confFile, pool, prefix string) (*CephBlobStore, error) {
	conn, err := rados.NewConnWithClusterAndUser(clusterName, userName)
	if err != nil {
		return nil, err
	}
	if confFile != "" {
		if err := conn.ReadConfigFile(confFile); err != nil {
			conn.Shutdown()
			return nil, err
		}
	}
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	ioctx, err := conn.OpenIOContext(pool)
	if err != nil {
		conn.Shutdown()
		return nil, err
	}
	return &CephBlobStore{conn: conn, ioctx: ioctx, prefix: prefix}, nil
}

func (b *CephBlobStore) objectName(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *CephBlobStore) Put(key string, data []byte) error {
	return b.ioctx.WriteFull(b.objectName(key), data)
}

func (b *CephBlobStore) Get(key string) ([]byte, error) {
	stat, err := b.ioctx.Stat(b.objectName(key))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, stat.Size)
	n, err := b.ioctx.Read(b.objectName(key), buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (b *CephBlobStore) Close() {
	b.ioctx.Destroy()
	b.conn.Shutdown()
}
