package storage

import "github.com/opensci-hpc/pilotmgr/pkg/fabric"

var _ fabric.Store = (*BoltStore)(nil)
