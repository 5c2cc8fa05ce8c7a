package websocket

import (
	"context"
	"net/url"
	"testing"

	"github.com/coder/websocket"
)

func TestSpeakerRefreshOverlap(t *testing.T) {
	env := newTestEnv(t, envConfig{})
	sid, oldConn := startSession(t, env)

	oldID := env.session(t, sid).SpeakerConnectionID

	q := url.Values{}
	q.Set("action", ActionRefreshConnection)
	q.Set("sessionId", sid)
	q.Set("token", env.mintToken(t, testSpeaker))
	newConn := env.dial(t, q)

	frame := readFrame(t, newConn)
	if frame["type"] != TypeConnectionRefreshed {
		t.Fatalf("expected %s frame, got %v", TypeConnectionRefreshed, frame)
	}
	if frame["oldConnectionId"] != oldID {
		t.Errorf("expected old connection %s, got %v", oldID, frame["oldConnectionId"])
	}
	newID, _ := frame["newConnectionId"].(string)
	if newID == "" || newID == oldID {
		t.Errorf("expected a fresh connection id, got %q", newID)
	}
	if at := number(t, frame, "refreshedAt"); at <= 0 {
		t.Errorf("expected a positive refreshedAt, got %d", at)
	}
	if got := env.session(t, sid).SpeakerConnectionID; got != newID {
		t.Errorf("expected the speaker pointer swung to %s, got %s", newID, got)
	}

	// Closing the replaced transport must not end the session.
	oldConn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "old record cleanup", func() bool {
		rec, err := env.store.GetConnection(context.Background(), oldID)
		return err == nil && rec == nil
	})
	if sess := env.session(t, sid); sess == nil || !sess.IsActive {
		t.Fatalf("expected the session to survive the old transport, got %+v", sess)
	}

	// Closing the live transport is a real speaker disconnect.
	newConn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "session end", func() bool {
		sess := env.session(t, sid)
		return sess != nil && !sess.IsActive
	})
}

func TestListenerRefreshKeepsSlotAccounting(t *testing.T) {
	env := newTestEnv(t, envConfig{})
	sid, _ := startSession(t, env)
	firstConn := joinListener(t, env, sid, "es")

	q := url.Values{}
	q.Set("action", ActionRefreshConnection)
	q.Set("sessionId", sid)
	q.Set("targetLanguage", "es")
	refreshed := env.dial(t, q)

	frame := readFrame(t, refreshed)
	if frame["type"] != TypeConnectionRefreshed {
		t.Fatalf("expected %s frame, got %v", TypeConnectionRefreshed, frame)
	}
	// Listener refreshes carry no old id; the old transport is anonymous
	// to the server until it closes.
	if _, ok := frame["oldConnectionId"]; ok {
		t.Errorf("expected no oldConnectionId, got %v", frame["oldConnectionId"])
	}
	if newID, _ := frame["newConnectionId"].(string); newID == "" {
		t.Error("expected a new connection id")
	}

	// Both transports hold counted slots until the old one closes.
	if got := env.session(t, sid).ListenerCount; got != 2 {
		t.Errorf("expected 2 counted slots mid-overlap, got %d", got)
	}

	firstConn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "old slot release", func() bool {
		sess := env.session(t, sid)
		return sess != nil && sess.ListenerCount == 1
	})
}

func TestRefreshPrincipalMismatch(t *testing.T) {
	env := newTestEnv(t, envConfig{})
	sid, _ := startSession(t, env)
	before := env.session(t, sid).SpeakerConnectionID

	q := url.Values{}
	q.Set("action", ActionRefreshConnection)
	q.Set("sessionId", sid)
	q.Set("token", env.mintToken(t, "intruder-2"))
	conn := env.dial(t, q)

	frame := readFrame(t, conn)
	if frame["code"] != CodeUnauthorized {
		t.Fatalf("expected %s, got %v", CodeUnauthorized, frame)
	}
	if got := env.session(t, sid).SpeakerConnectionID; got != before {
		t.Errorf("expected the speaker pointer untouched, got %s", got)
	}
}

func TestRefreshUnknownSession(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	q := url.Values{}
	q.Set("action", ActionRefreshConnection)
	q.Set("sessionId", "quiet-falcon-123")
	q.Set("token", env.mintToken(t, testSpeaker))
	conn := env.dial(t, q)

	frame := readFrame(t, conn)
	if frame["code"] != CodeSessionNotFound {
		t.Fatalf("expected %s, got %v", CodeSessionNotFound, frame)
	}
}

func TestInBandRefreshRejected(t *testing.T) {
	env := newTestEnv(t, envConfig{})
	_, conn := startSession(t, env)

	send(t, conn, `{"action":"refreshConnection"}`)

	frame := readFrame(t, conn)
	if frame["code"] != CodeInvalidInput {
		t.Fatalf("expected %s, got %v", CodeInvalidInput, frame)
	}
	if got := readClose(t, conn); got != websocket.StatusPolicyViolation {
		t.Errorf("expected close status %v, got %v", websocket.StatusPolicyViolation, got)
	}
}
