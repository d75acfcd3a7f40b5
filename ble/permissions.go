package ble

import "sync/atomic"

// Permissions reports the radio permissions granted to the process.
type Permissions interface {
	CanConnect() bool
	CanAdvertise() bool
	CanQueryBonds() bool
}

// StaticPermissions is a Permissions whose grants can be changed at runtime.
type StaticPermissions struct {
	connect   atomic.Bool
	advertise atomic.Bool
	bonds     atomic.Bool
}

// NewStaticPermissions returns permissions with the given grants.
func NewStaticPermissions(connect, advertise, queryBonds bool) *StaticPermissions {
	p := &StaticPermissions{}
	p.connect.Store(connect)
	p.advertise.Store(advertise)
	p.bonds.Store(queryBonds)
	return p
}

// AllPermissions grants everything.
func AllPermissions() *StaticPermissions {
	return NewStaticPermissions(true, true, true)
}

func (p *StaticPermissions) CanConnect() bool    { return p.connect.Load() }
func (p *StaticPermissions) CanAdvertise() bool  { return p.advertise.Load() }
func (p *StaticPermissions) CanQueryBonds() bool { return p.bonds.Load() }

// SetConnect grants or revokes the connect permission.
func (p *StaticPermissions) SetConnect(v bool) { p.connect.Store(v) }

// SetAdvertise grants or revokes the advertise permission.
func (p *StaticPermissions) SetAdvertise(v bool) { p.advertise.Store(v) }

// SetQueryBonds grants or revokes the bond-list permission.
func (p *StaticPermissions) SetQueryBonds(v bool) { p.bonds.Store(v) }
