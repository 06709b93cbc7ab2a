package modhost

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctxTestSettings struct {
	Name    string `json:"name"`
	Retries int    `json:"retries"`
}

type ctxTestDBHandle struct {
	applied []string
}

func (h *ctxTestDBHandle) ApplyMigrations(_ context.Context, module string, migrations []Migration) error {
	for _, m := range migrations {
		h.applied = append(h.applied, module+"/"+m.ID)
	}
	return nil
}

func TestModuleContextDefaults(t *testing.T) {
	mc := NewModuleContext(ModuleContextConfig{Name: "billing"})

	assert.Equal(t, "billing", mc.Name())
	assert.NotNil(t, mc.Hub())
	assert.NotNil(t, mc.Context())
	assert.NotNil(t, mc.Logger())
	assert.Empty(t, mc.InstanceID())

	_, ok := mc.RawConfig()
	assert.False(t, ok)
	_, ok = mc.DB()
	assert.False(t, ok)
}

func TestModuleContextConfigDecoding(t *testing.T) {
	cfg := MapConfig{
		"billing": json.RawMessage(`{"name":"prod","retries":3}`),
		"broken":  json.RawMessage(`{"retries":"many"}`),
	}

	t.Run("section decodes into struct", func(t *testing.T) {
		mc := NewModuleContext(ModuleContextConfig{Name: "billing", Config: cfg})

		var out ctxTestSettings
		require.NoError(t, mc.Config(&out))
		assert.Equal(t, ctxTestSettings{Name: "prod", Retries: 3}, out)

		raw, ok := mc.RawConfig()
		require.True(t, ok)
		assert.JSONEq(t, `{"name":"prod","retries":3}`, string(raw))
	})

	t.Run("missing section leaves zero value", func(t *testing.T) {
		mc := NewModuleContext(ModuleContextConfig{Name: "unconfigured", Config: cfg})

		out := ctxTestSettings{Name: "keep"}
		require.NoError(t, mc.Config(&out))
		assert.Equal(t, "keep", out.Name)
	})

	t.Run("malformed section reports the module", func(t *testing.T) {
		mc := NewModuleContext(ModuleContextConfig{Name: "broken", Config: cfg})

		var out ctxTestSettings
		err := mc.Config(&out)
		require.ErrorIs(t, err, ErrConfigDecode)
		assert.Contains(t, err.Error(), "broken")
	})
}

func TestModuleContextDatabaseHandle(t *testing.T) {
	handle := &ctxTestDBHandle{}
	withDB := NewModuleContext(ModuleContextConfig{Name: "ledger", DB: handle})

	got, ok := withDB.DB()
	require.True(t, ok)
	assert.Same(t, handle, got.(*ctxTestDBHandle))

	required, err := withDB.DBRequired()
	require.NoError(t, err)
	assert.Same(t, handle, required.(*ctxTestDBHandle))

	withoutDB := NewModuleContext(ModuleContextConfig{Name: "stateless"})
	_, err = withoutDB.DBRequired()
	require.ErrorIs(t, err, ErrDatabaseNotConfigured)
	assert.Contains(t, err.Error(), "stateless")
}

func TestModuleContextSharesRuntimePieces(t *testing.T) {
	hub := NewClientHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mc := NewModuleContext(ModuleContextConfig{
		Name:       "worker",
		InstanceID: "instance-1",
		Hub:        hub,
		Context:    ctx,
	})

	assert.Same(t, hub, mc.Hub())
	assert.Equal(t, "instance-1", mc.InstanceID())

	cancel()
	assert.ErrorIs(t, mc.Context().Err(), context.Canceled)
}

func TestSystemContextCopiesOutOfProcess(t *testing.T) {
	names := []string{"reports", "mailer"}
	sys := NewSystemContext(nil, nil, names)

	// Mutating the input or the returned slice must not leak into the
	// context's own copy.
	names[0] = "changed"
	got := sys.OutOfProcess()
	assert.Equal(t, []string{"reports", "mailer"}, got)

	got[1] = "also changed"
	assert.Equal(t, []string{"reports", "mailer"}, sys.OutOfProcess())
}
