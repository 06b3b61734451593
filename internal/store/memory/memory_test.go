package memory

import (
	"context"
	"errors"
	"testing"

	"circles-server/internal/model"
	"circles-server/internal/store"
)

func pair(id, localID, remoteID string, now int64) (model.Connection, model.Connection) {
	local := model.Connection{
		ID:                  id + "-a",
		LocalParticipantID:  localID,
		RemoteParticipantID: remoteID,
		Status:              model.StatusActive,
		StatusChangedAt:     now,
		InitiatedBy:         model.InitiatedByLocal,
		CreatedAt:           now,
	}
	mirror := model.Connection{
		ID:                  id + "-b",
		LocalParticipantID:  remoteID,
		RemoteParticipantID: localID,
		Status:              model.StatusActive,
		StatusChangedAt:     now,
		InitiatedBy:         model.InitiatedByRemote,
		CreatedAt:           now,
	}
	return local, mirror
}

func TestStore_EnsureParticipant(t *testing.T) {
	s := New()
	ctx := context.Background()

	p, created, err := s.EnsureParticipant(ctx, "u1", "Me", 1000)
	if err != nil {
		t.Fatalf("EnsureParticipant: %v", err)
	}
	if !created || p.ID != "u1" {
		t.Fatalf("expected created participant, got %+v created=%v", p, created)
	}

	_, created, err = s.EnsureParticipant(ctx, "u1", "", 2000)
	if err != nil {
		t.Fatalf("EnsureParticipant: %v", err)
	}
	if created {
		t.Fatalf("expected existing participant")
	}
}

func TestStore_ConnectionPairCap(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := int64(1000)

	l1, m1 := pair("c1", "a", "b", now)
	if err := s.CreateConnectionPair(ctx, l1, m1, 2); err != nil {
		t.Fatalf("CreateConnectionPair: %v", err)
	}
	if err := s.CreateConnectionPair(ctx, l1, m1, 2); !errors.Is(err, store.ErrPairExists) {
		t.Fatalf("expected ErrPairExists, got %v", err)
	}

	l2, m2 := pair("c2", "a", "c", now)
	if err := s.CreateConnectionPair(ctx, l2, m2, 2); err != nil {
		t.Fatalf("CreateConnectionPair: %v", err)
	}

	l3, m3 := pair("c3", "a", "d", now)
	if err := s.CreateConnectionPair(ctx, l3, m3, 2); !errors.Is(err, store.ErrCapExceeded) {
		t.Fatalf("expected ErrCapExceeded, got %v", err)
	}

	conns, err := s.ListConnections(ctx, "a")
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(conns))
	}
}

func TestStore_SetPairStatusUpdatesMirror(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := int64(1000)

	l, m := pair("c1", "a", "b", now)
	if err := s.CreateConnectionPair(ctx, l, m, 10); err != nil {
		t.Fatalf("CreateConnectionPair: %v", err)
	}

	if err := s.SetPairStatus(ctx, "a", "b", model.StatusBlocked, model.StatusRevoked, now+1); err != nil {
		t.Fatalf("SetPairStatus: %v", err)
	}

	got, err := s.FindConnectionByPeer(ctx, "a", "b")
	if err != nil {
		t.Fatalf("FindConnectionByPeer: %v", err)
	}
	if got.Status != model.StatusBlocked || got.StatusChangedAt != now+1 {
		t.Fatalf("unexpected local row: %+v", got)
	}

	mirror, err := s.FindConnectionByPeer(ctx, "b", "a")
	if err != nil {
		t.Fatalf("FindConnectionByPeer mirror: %v", err)
	}
	if mirror.Status != model.StatusRevoked {
		t.Fatalf("expected mirror revoked, got %q", mirror.Status)
	}

	if err := s.SetPairStatus(ctx, "a", "x", model.StatusRevoked, model.StatusRevoked, now+2); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_InviteLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := int64(1000)

	inv := model.Invite{Token: "tok", InviterID: "a", ExpiresAt: now + 500, CreatedAt: now}
	if err := s.PutInvite(ctx, inv); err != nil {
		t.Fatalf("PutInvite: %v", err)
	}

	if err := s.MarkInviteUsed(ctx, "tok", "b"); err != nil {
		t.Fatalf("MarkInviteUsed: %v", err)
	}
	if err := s.MarkInviteUsed(ctx, "tok", "c"); !errors.Is(err, store.ErrInviteUsed) {
		t.Fatalf("expected ErrInviteUsed, got %v", err)
	}

	got, err := s.GetInvite(ctx, "tok")
	if err != nil {
		t.Fatalf("GetInvite: %v", err)
	}
	if !got.Used || got.UsedBy != "b" {
		t.Fatalf("unexpected invite: %+v", got)
	}

	stale := model.Invite{Token: "old", InviterID: "a", ExpiresAt: now - 1, CreatedAt: now - 1000}
	if err := s.PutInvite(ctx, stale); err != nil {
		t.Fatalf("PutInvite: %v", err)
	}
	deleted, err := s.DeleteExpiredInvites(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredInvites: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 expired invite deleted, got %d", deleted)
	}
	if _, err := s.GetInvite(ctx, "old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired invite, got %v", err)
	}
}

func TestStore_SignalOverwriteAndExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := int64(1000)

	first := model.StoredSignal{OwnerID: "a", Color: model.ColorCyan, TTLExpiresAt: now + 100, Scope: model.Scope, SchemaVersion: model.SchemaVersion, CreatedAt: now, UpdatedAt: now}
	if err := s.PutSignal(ctx, first); err != nil {
		t.Fatalf("PutSignal: %v", err)
	}

	second := first
	second.Color = model.ColorRed
	second.UpdatedAt = now + 10
	if err := s.PutSignal(ctx, second); err != nil {
		t.Fatalf("PutSignal overwrite: %v", err)
	}

	got, err := s.GetSignal(ctx, "a")
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if got.Color != model.ColorRed {
		t.Fatalf("expected overwrite, got %+v", got)
	}

	deleted, err := s.DeleteExpiredSignals(ctx, now+101)
	if err != nil {
		t.Fatalf("DeleteExpiredSignals: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 expired signal deleted, got %d", deleted)
	}
	if _, err := s.GetSignal(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry cleanup, got %v", err)
	}
}

func TestStore_Blocks(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.AddBlock(ctx, "a", "b", 1000); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	if err := s.AddBlock(ctx, "a", "b", 2000); err != nil {
		t.Fatalf("AddBlock repeat: %v", err)
	}

	blocked, err := s.IsBlocked(ctx, "a", "b")
	if err != nil || !blocked {
		t.Fatalf("expected blocked, got %v err=%v", blocked, err)
	}

	list, err := s.ListBlocks(ctx, "a")
	if err != nil {
		t.Fatalf("ListBlocks: %v", err)
	}
	if len(list) != 1 || list[0].BlockedAt != 1000 {
		t.Fatalf("expected original block kept, got %+v", list)
	}

	if err := s.RemoveBlock(ctx, "a", "b"); err != nil {
		t.Fatalf("RemoveBlock: %v", err)
	}
	blocked, _ = s.IsBlocked(ctx, "a", "b")
	if blocked {
		t.Fatalf("expected unblocked")
	}
}

func TestStore_WipeCounts(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := int64(1000)

	if _, _, err := s.EnsureParticipant(ctx, "a", "", now); err != nil {
		t.Fatalf("EnsureParticipant: %v", err)
	}
	l, m := pair("c1", "a", "b", now)
	if err := s.CreateConnectionPair(ctx, l, m, 10); err != nil {
		t.Fatalf("CreateConnectionPair: %v", err)
	}

	deleted, err := s.DeleteConnectionsFor(ctx, "a")
	if err != nil {
		t.Fatalf("DeleteConnectionsFor: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected both pair rows deleted, got %d", deleted)
	}
	if _, err := s.FindConnectionByPeer(ctx, "b", "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected mirror row gone, got %v", err)
	}
}
