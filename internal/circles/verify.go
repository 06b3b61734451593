package circles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"circles-server/internal/model"
	"circles-server/internal/policy"
	"circles-server/internal/store"
)

type FirewallReport struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations"`
}

type IntegrityReport struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// viewerSafeKeys is the wire-level counterpart of the projection type: the
// only JSON keys allowed to reach a viewer.
var viewerSafeKeys = map[string]bool{
	"color":         true,
	"ttlExpiresAt":  true,
	"scope":         true,
	"schemaVersion": true,
}

// VerifyFirewall re-projects every signal reachable by the caller, plus the
// absent branch, and checks both the projection type and its serialized
// form against the viewer-safe set.
func (s *Service) VerifyFirewall(ctx context.Context, id Identity) (FirewallReport, error) {
	report := FirewallReport{Violations: []string{}}

	if err := policy.CheckProjectionType(reflect.TypeOf(ViewerSafeSignal{})); err != nil {
		report.Violations = append(report.Violations, err.Error())
	}

	if v := serializedLeaks(projectAbsent()); v != "" {
		report.Violations = append(report.Violations, "absent branch: "+v)
	}

	signals, err := s.SignalsForMe(ctx, id)
	if err != nil {
		return report, err
	}
	for connID, sig := range signals {
		if v := serializedLeaks(sig); v != "" {
			report.Violations = append(report.Violations, fmt.Sprintf("connection %s: %s", connID, v))
		}
	}

	report.Valid = len(report.Violations) == 0
	return report, nil
}

func serializedLeaks(sig ViewerSafeSignal) string {
	data, err := json.Marshal(sig)
	if err != nil {
		return "projection does not serialize: " + err.Error()
	}
	var keys map[string]any
	if err := json.Unmarshal(data, &keys); err != nil {
		return "projection does not round-trip: " + err.Error()
	}
	for key := range keys {
		if !viewerSafeKeys[key] {
			return "leaks key " + key
		}
	}
	return ""
}

// VerifyIntegrity audits the caller's slice of the store against the
// invariants: cap, pair symmetry, denylist consistency, invite consumption
// records and signal row hygiene.
func (s *Service) VerifyIntegrity(ctx context.Context, id Identity) (IntegrityReport, error) {
	report := IntegrityReport{Issues: []string{}}

	conns, err := s.store.ListConnections(ctx, id.ParticipantID)
	if err != nil {
		return report, err
	}
	if len(conns) > model.MaxConnections {
		report.Issues = append(report.Issues, fmt.Sprintf("connection count %d exceeds cap %d", len(conns), model.MaxConnections))
	}

	for _, c := range conns {
		mirror, err := s.store.FindConnectionByPeer(ctx, c.RemoteParticipantID, c.LocalParticipantID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if c.Status == model.StatusActive {
				report.Issues = append(report.Issues, fmt.Sprintf("connection %s is active without a mirror row", c.ID))
			}
		case err != nil:
			return report, err
		default:
			if err := policy.CheckMirror(c, mirror); err != nil {
				report.Issues = append(report.Issues, err.Error())
			}
		}

		blocked, err := s.store.IsBlocked(ctx, c.LocalParticipantID, c.RemoteParticipantID)
		if err != nil {
			return report, err
		}
		if blocked && c.Status == model.StatusActive {
			report.Issues = append(report.Issues, fmt.Sprintf("connection %s is active to a denylisted peer", c.ID))
		}
	}

	invites, err := s.store.ListInvitesByInviter(ctx, id.ParticipantID)
	if err != nil {
		return report, err
	}
	for _, inv := range invites {
		if inv.Used && inv.UsedBy == "" {
			report.Issues = append(report.Issues, fmt.Sprintf("invite %s is used without a consumer", inv.Token))
		}
	}

	sig, err := s.store.GetSignal(ctx, id.ParticipantID)
	if err == nil {
		if sig.Scope != model.Scope {
			report.Issues = append(report.Issues, fmt.Sprintf("signal row carries foreign scope %q", sig.Scope))
		}
		if sig.SchemaVersion > model.SchemaVersion {
			report.Issues = append(report.Issues, fmt.Sprintf("signal row schema version %d is newer than supported %d", sig.SchemaVersion, model.SchemaVersion))
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return report, err
	}

	report.Valid = len(report.Issues) == 0
	return report, nil
}
