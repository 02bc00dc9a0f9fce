package permission

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolgate/pkg/tool"
)

const samplePolicy = `
default: deny
rules:
  - roles: ["agent"]
    origins: ["local"]
    tools: ["read_file", "list_dir"]
    effect: allow
  - roles: ["admin"]
    origins: ["*"]
    effect: allow
  - roles: ["*"]
    origins: ["remote:*"]
    effect: allow
  - roles: ["guest"]
    origins: ["remote:untrusted"]
    effect: deny
    reason: guests may not use untrusted providers
`

func local(name string) tool.Descriptor {
	return tool.Descriptor{Name: name, Origin: tool.LocalOrigin()}
}

func remote(provider, name string) tool.Descriptor {
	return tool.Descriptor{Name: name, Origin: tool.RemoteOrigin(provider)}
}

func TestChecker_Check(t *testing.T) {
	p, err := Parse([]byte(samplePolicy))
	require.NoError(t, err)
	c, err := NewChecker(p)
	require.NoError(t, err)

	agent := tool.Actor{ID: "a1", Role: "agent"}
	admin := tool.Actor{ID: "root", Role: "admin"}
	guest := tool.Actor{ID: "g1", Role: "guest"}

	tests := []struct {
		name    string
		actor   tool.Actor
		desc    tool.Descriptor
		allowed bool
	}{
		{name: "agent reads", actor: agent, desc: local("read_file"), allowed: true},
		{name: "agent writes", actor: agent, desc: local("write_file"), allowed: false},
		{name: "admin writes", actor: admin, desc: local("write_file"), allowed: true},
		{name: "agent uses remote", actor: agent, desc: remote("p1", "echo"), allowed: true},
		{name: "guest uses trusted remote", actor: guest, desc: remote("p1", "echo"), allowed: true},
		{name: "deny overrides allow", actor: guest, desc: remote("untrusted", "echo"), allowed: false},
		{name: "guest local falls to default", actor: guest, desc: local("read_file"), allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Check(tt.actor, tt.desc)
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
		})
	}

	d := c.Check(guest, remote("untrusted", "echo"))
	assert.Equal(t, "guests may not use untrusted providers", d.Reason)
	assert.Equal(t, 3, d.Rule)
}

func TestChecker_DefaultAllow(t *testing.T) {
	c, err := NewChecker(Policy{Default: EffectAllow})
	require.NoError(t, err)

	d := c.Check(tool.Actor{Role: "anyone"}, local("exec"))
	assert.True(t, d.Allowed)
	assert.Equal(t, -1, d.Rule)
}

func TestChecker_IsImmutable(t *testing.T) {
	p := Policy{Default: EffectDeny, Rules: []Rule{{Roles: []string{"agent"}, Origins: []string{"local"}, Effect: EffectAllow}}}
	c, err := NewChecker(p)
	require.NoError(t, err)

	p.Rules[0].Effect = EffectDeny
	assert.True(t, c.Check(tool.Actor{Role: "agent"}, local("x")).Allowed)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad default":   "default: maybe",
		"bad effect":    "default: deny\nrules:\n  - roles: [a]\n    origins: [local]\n    effect: perhaps",
		"missing roles": "default: deny\nrules:\n  - origins: [local]\n    effect: allow",
		"bad glob":      "default: deny\nrules:\n  - roles: ['[']\n    origins: [local]\n    effect: allow",
		"not yaml":      "default: [unclosed",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestStore_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(file, []byte("default: deny\n"), 0644))

	s, err := OpenStore(file)
	require.NoError(t, err)
	defer s.Close()

	actor := tool.Actor{Role: "agent"}
	assert.False(t, s.Check(actor, local("read_file")).Allowed)

	require.NoError(t, os.WriteFile(file, []byte("default: allow\n"), 0644))
	require.NoError(t, s.Reload())
	assert.True(t, s.Check(actor, local("read_file")).Allowed)

	require.NoError(t, os.WriteFile(file, []byte("default: nonsense\n"), 0644))
	assert.Error(t, s.Reload())
	assert.True(t, s.Check(actor, local("read_file")).Allowed)
	assert.Equal(t, int64(1), s.Reloads())
}

func TestStore_WatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(file, []byte("default: deny\n"), 0644))

	s, err := OpenStore(file)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Watch())

	require.NoError(t, os.WriteFile(file, []byte("default: allow\n"), 0644))

	require.Eventually(t, func() bool {
		return s.Check(tool.Actor{Role: "agent"}, local("read_file")).Allowed
	}, 3*time.Second, 20*time.Millisecond)
}
