package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/toolgate/pkg/audit"
	"github.com/harun/toolgate/pkg/provider"
	"github.com/harun/toolgate/pkg/tool"
)

// Sessions resolves provider sessions. *provider.Registry implements it.
type Sessions interface {
	SessionFor(id string) (*provider.Session, bool)
	ReadySessions() []*provider.Session
	Refresh(ctx context.Context) error
}

// RemoteBackend routes calls to provider sessions through the registry.
type RemoteBackend struct {
	sessions Sessions
}

// NewRemoteBackend creates a backend over the registry's sessions.
func NewRemoteBackend(sessions Sessions) *RemoteBackend {
	return &RemoteBackend{sessions: sessions}
}

// Describe discovers the tools of every ready session.
func (b *RemoteBackend) Describe(ctx context.Context) ([]tool.Descriptor, error) {
	var (
		descs []tool.Descriptor
		errs  []error
	)
	for _, s := range b.sessions.ReadySessions() {
		d, err := s.Discover(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", s.ProviderID(), err))
			continue
		}
		descs = append(descs, d...)
	}
	return descs, errors.Join(errs...)
}

// Refresh re-publishes every ready session's tools into the catalog.
func (b *RemoteBackend) Refresh(ctx context.Context) error {
	return b.sessions.Refresh(ctx)
}

// Execute invokes the tool on its provider's session.
func (b *RemoteBackend) Execute(ctx context.Context, desc tool.Descriptor, call tool.Call) (tool.Output, error) {
	session, ok := b.sessions.SessionFor(desc.Origin.Provider)
	if !ok {
		return tool.Output{}, &tool.ExecutionError{
			Kind:   tool.KindTransport,
			Origin: desc.Origin,
			Reason: fmt.Sprintf("provider %s is unavailable", desc.Origin.Provider),
		}
	}
	return session.Invoke(ctx, desc.Name, call)
}

// AuditSpawnRejections returns a registry hook that records every spawn the
// validator refused as its own audit entry.
func AuditSpawnRejections(a Auditor) provider.RejectionFunc {
	return func(entry provider.Entry, reason string) {
		e := audit.SpawnRejection(entry.ID, entry.Command, reason, time.Now())
		if err := a.Record(context.Background(), e); err != nil {
			log.Error().Err(err).Str("provider", entry.ID).Msg("Failed to audit spawn rejection")
		}
	}
}
