// Copyright (C) 2026  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package deploy

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/txpolicy"
)

// tBase provides no-op lifecycle callbacks.
type tBase struct{}

func (tBase) SetEntityContext(context.Context, ejb.EntityContext) error { return nil }
func (tBase) UnsetEntityContext(context.Context) error                  { return nil }
func (tBase) EjbActivate(context.Context) error                         { return nil }
func (tBase) EjbPassivate(context.Context) error                        { return nil }
func (tBase) EjbLoad(context.Context) error                             { return nil }
func (tBase) EjbStore(context.Context) error                            { return nil }
func (tBase) EjbRemove(context.Context) error                           { return nil }

type tBean struct {
	tBase
	n int64
}

func (b *tBean) EjbCreate(ctx context.Context, id string, n int64) (string, error) {
	b.n = n
	return id, nil
}
func (b *tBean) EjbPostCreate(ctx context.Context, id string, n int64) error { return nil }
func (b *tBean) EjbFindByPrimaryKey(ctx context.Context, id string) (string, error) {
	return id, nil
}
func (b *tBean) EjbHomeCount(ctx context.Context) (int, error) { return 3, nil }
func (b *tBean) Get(ctx context.Context) (int64, error)        { return b.n, nil }
func (b *tBean) Add(ctx context.Context, δ int64) error {
	if δ < 0 {
		return &tRollbackError{δ}
	}
	b.n += δ
	return nil
}
func (b *tBean) Crash(ctx context.Context) error { panic("boom") }
func (b *tBean) Nothing(x int) error             { return nil }

type tRollbackError struct{ δ int64 }

func (e *tRollbackError) Error() string { return fmt.Sprintf("negative delta %d", e.δ) }

func tConfig() Config {
	return Config{
		ID:     "counter",
		New:    func() ejb.EntityBean { return &tBean{} },
		Home:   []string{"Create", "FindByPrimaryKey", "Count"},
		Remote: []string{"Get", "Add", "Crash"},
		Local:  []string{"Get"},
		TxAttributes: map[string]txpolicy.Type{
			"*":          txpolicy.Supports,
			"Add":        txpolicy.Required,
			"Remote.Get": txpolicy.Never,
		},
		Roles: map[string][]string{
			"Add": {"writer"},
		},
		ApplicationErrors: map[reflect.Type]bool{
			reflect.TypeOf(&tRollbackError{}): true,
		},
	}
}

func TestNew(t *testing.T) {
	bc, err := New(tConfig())
	require.NoError(t, err)
	require.Equal(t, "counter", bc.ID())
	require.False(t, bc.IsReentrant())
	require.Equal(t, reflect.TypeOf(&tBean{}), bc.BeanType())

	M := func(iface ejb.InterfaceType, name string) ejb.Method {
		return ejb.Method{Interface: iface, Name: name}
	}

	require.Equal(t, []ejb.Method{
		M(ejb.Remote, "Add"), M(ejb.Remote, "Crash"), M(ejb.Remote, "Get"), M(ejb.Remote, "Remove"),
		M(ejb.Local, "Get"), M(ejb.Local, "Remove"),
		M(ejb.Home, "Count"), M(ejb.Home, "Create"), M(ejb.Home, "FindByPrimaryKey"), M(ejb.Home, "Remove"),
	}, bc.InterfaceMethods())

	testv := []struct {
		method ejb.Method
		op     ejb.Operation
		impl   string
		txType txpolicy.Type
		roles  []string
	}{
		{M(ejb.Home, "Create"), ejb.OpCreate, "EjbCreate", txpolicy.Supports, nil},
		{M(ejb.Home, "FindByPrimaryKey"), ejb.OpFind, "EjbFindByPrimaryKey", txpolicy.Supports, nil},
		{M(ejb.Home, "Count"), ejb.OpHome, "EjbHomeCount", txpolicy.Supports, nil},
		{M(ejb.Home, "Remove"), ejb.OpRemove, "EjbRemove", txpolicy.Supports, nil},
		{M(ejb.Remote, "Remove"), ejb.OpRemove, "EjbRemove", txpolicy.Supports, nil},
		{M(ejb.Remote, "Add"), ejb.OpBusiness, "Add", txpolicy.Required, []string{"writer"}},
		{M(ejb.Remote, "Get"), ejb.OpBusiness, "Get", txpolicy.Never, nil},
		{M(ejb.Local, "Get"), ejb.OpBusiness, "Get", txpolicy.Supports, nil},
	}
	for _, tt := range testv {
		bm, ok := bc.MatchingBeanMethod(tt.method)
		require.True(t, ok, "%s", tt.method)
		require.Equal(t, tt.method, bm.Method)
		require.Equal(t, tt.op, bm.Op, "%s", tt.method)
		require.Equal(t, tt.impl, bm.Name, "%s", tt.method)
		require.Equal(t, tt.txType, bc.TransactionType(tt.method), "%s", tt.method)
		require.Equal(t, tt.roles, bc.AuthorizedRoles(tt.method), "%s", tt.method)
	}

	post, ok := bc.MatchingPostCreateMethod(M(ejb.Home, "Create"))
	require.True(t, ok)
	require.Equal(t, "EjbPostCreate", post.Name)
	require.Equal(t, ejb.OpPostCreate, post.Op)
	require.Equal(t, "(context.Context, string, int64) error", post.Signature())

	_, ok = bc.MatchingPostCreateMethod(M(ejb.Home, "Count"))
	require.False(t, ok)
	_, ok = bc.MatchingBeanMethod(M(ejb.LocalHome, "Create"))
	require.False(t, ok)

	inst, err := bc.NewInstance()
	require.NoError(t, err)
	require.IsType(t, &tBean{}, inst)
}

func TestNewErrors(t *testing.T) {
	testv := []struct {
		tweak func(cfg *Config)
		want  string
	}{
		{func(cfg *Config) { cfg.ID = "" }, "empty deployment id"},
		{func(cfg *Config) { cfg.New = nil }, "no bean constructor"},
		{func(cfg *Config) { cfg.Remote = append(cfg.Remote, "Missing") }, "has no method Missing"},
		{func(cfg *Config) { cfg.Remote = append(cfg.Remote, "Nothing") }, "first argument must be context.Context"},
		{func(cfg *Config) { cfg.Home = append(cfg.Home, "Get") }, "has no method EjbHomeGet"},
		{func(cfg *Config) { cfg.Remote = append(cfg.Remote, "Get") }, "duplicate method"},
		{func(cfg *Config) { cfg.Home, cfg.Remote, cfg.Local = nil, nil, nil }, "no interfaces"},
	}

	for _, tt := range testv {
		cfg := tConfig()
		tt.tweak(&cfg)
		_, err := New(cfg)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("error: %v;  want containing %q", err, tt.want)
		}
	}
}

type tBadPost struct{ tBase }

func (*tBadPost) EjbCreate(ctx context.Context, id string) (string, error) { return id, nil }
func (*tBadPost) EjbPostCreate(ctx context.Context, id int) error          { return nil }

func TestPostCreateMismatch(t *testing.T) {
	_, err := New(Config{
		ID:   "bad",
		New:  func() ejb.EntityBean { return &tBadPost{} },
		Home: []string{"Create"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "arguments mismatch")
}

func TestCall(t *testing.T) {
	ctx := context.Background()
	bc, err := New(tConfig())
	require.NoError(t, err)
	inst, err := bc.NewInstance()
	require.NoError(t, err)

	create, _ := bc.MatchingBeanMethod(ejb.Method{Interface: ejb.Home, Name: "Create"})
	// int is converted to int64
	pk, err := create.Call(ctx, inst, []interface{}{"a", 5})
	require.NoError(t, err)
	require.Equal(t, "a", pk)

	get, _ := bc.MatchingBeanMethod(ejb.Method{Interface: ejb.Remote, Name: "Get"})
	n, err := get.Call(ctx, inst, nil)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	add, _ := bc.MatchingBeanMethod(ejb.Method{Interface: ejb.Remote, Name: "Add"})
	ret, err := add.Call(ctx, inst, []interface{}{int64(2)})
	require.NoError(t, err)
	require.Nil(t, ret)

	// application error is returned as is
	_, err = add.Call(ctx, inst, []interface{}{int64(-1)})
	require.Equal(t, &tRollbackError{-1}, err)
	require.Equal(t, ejb.ApplicationRollback, bc.ExceptionType(err))
	require.Equal(t, ejb.ApplicationRollback, bc.ExceptionType(fmt.Errorf("add: %w", err)))
	require.Equal(t, ejb.Application, bc.ExceptionType(errors.New("other")))
	require.Equal(t, ejb.System, bc.ExceptionType(ejb.ErrNoSuchEntity))

	// mechanism failures are system errors
	_, err = add.Call(ctx, inst, nil)
	require.True(t, ejb.IsSystem(err), "err: %v", err)
	_, err = add.Call(ctx, inst, []interface{}{"x"})
	require.True(t, ejb.IsSystem(err), "err: %v", err)
	_, err = add.Call(ctx, inst, []interface{}{nil})
	require.True(t, ejb.IsSystem(err), "err: %v", err)

	// numbers are converted only when the value is preserved
	for _, arg := range []interface{}{1.9, float64(2), uint64(1) << 63, uint(1) << 63} {
		_, err = add.Call(ctx, inst, []interface{}{arg})
		require.True(t, ejb.IsSystem(err), "%T %v: err: %v", arg, arg, err)
	}
	_, err = add.Call(ctx, inst, []interface{}{uint8(3)})
	require.NoError(t, err)
	n, err = get.Call(ctx, inst, nil)
	require.NoError(t, err)
	require.Equal(t, int64(10), n)
	_, err = get.Call(ctx, &tBadPost{}, nil)
	require.True(t, ejb.IsSystem(err), "err: %v", err)

	// panic is system error
	crash, _ := bc.MatchingBeanMethod(ejb.Method{Interface: ejb.Remote, Name: "Crash"})
	_, err = crash.Call(ctx, inst, nil)
	require.True(t, ejb.IsSystem(err), "err: %v", err)
	var perr *PanicError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, "boom", perr.Value)
}

func TestRegistry(t *testing.T) {
	r := &Registry{}
	mk := func(id string) *BeanContext {
		cfg := tConfig()
		cfg.ID = id
		bc, err := New(cfg)
		require.NoError(t, err)
		return bc
	}

	b, a := mk("b"), mk("a")
	require.NoError(t, r.Deploy(b))
	require.NoError(t, r.Deploy(a))

	err := r.Deploy(mk("a"))
	var derr *DuplicateError
	require.True(t, errors.As(err, &derr))
	require.Equal(t, "a", derr.ID)

	require.Equal(t, a, r.Lookup("a"))
	require.Nil(t, r.Lookup("c"))
	require.Equal(t, []*BeanContext{a, b}, r.All())

	require.Equal(t, a, r.Undeploy("a"))
	require.Nil(t, r.Undeploy("a"))
	require.Nil(t, r.Lookup("a"))
	require.NoError(t, r.Deploy(mk("a")))
}
