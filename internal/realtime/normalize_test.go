package realtime

import (
	"errors"
	"testing"
	"time"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(NewReconciler())
}

func TestNormalize_RolePrecedence(t *testing.T) {
	cases := []struct {
		name string
		rec  SourceRecord
		want SenderRole
	}{
		{
			name: "explicit role wins",
			rec:  SourceRecord{ID: "m-1000", Content: "x", Role: "system", SenderID: "agent-7"},
			want: RoleSystem,
		},
		{
			name: "internal sender implies agent",
			rec:  SourceRecord{ID: "m-1001", Content: "x", SenderID: "agent-7"},
			want: RoleAgent,
		},
		{
			name: "channel marker implies client",
			rec:  SourceRecord{ID: "m-1002", Content: "x", FromChannel: true},
			want: RoleClient,
		},
		{
			name: "default is client",
			rec:  SourceRecord{ID: "m-1003", Content: "x"},
			want: RoleClient,
		},
		{
			name: "unknown explicit role falls through",
			rec:  SourceRecord{ID: "m-1004", Content: "x", Role: "robot", SenderID: "agent-7"},
			want: RoleAgent,
		},
	}
	n := newTestNormalizer()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := n.Normalize(tc.rec, SourcePoll)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.SenderRole != tc.want {
				t.Errorf("SenderRole = %q, want %q", msg.SenderRole, tc.want)
			}
		})
	}
}

func TestNormalize_SenderLabelDefaults(t *testing.T) {
	n := newTestNormalizer()

	msg, err := n.Normalize(SourceRecord{ID: "m-2000", Content: "x", SenderID: "a1", SenderName: "Maria"}, SourceSocket)
	if err != nil {
		t.Fatal(err)
	}
	if msg.SenderLabel != "Maria" {
		t.Errorf("SenderLabel = %q, want Maria", msg.SenderLabel)
	}

	msg, _ = n.Normalize(SourceRecord{ID: "m-2001", Content: "x", SenderID: "a1"}, SourceSocket)
	if msg.SenderLabel != defaultAgentLabel {
		t.Errorf("agent SenderLabel = %q, want %q", msg.SenderLabel, defaultAgentLabel)
	}

	msg, _ = n.Normalize(SourceRecord{ID: "m-2002", Content: "x"}, SourceSocket)
	if msg.SenderLabel != defaultClientLabel {
		t.Errorf("client SenderLabel = %q, want %q", msg.SenderLabel, defaultClientLabel)
	}

	msg, _ = n.Normalize(SourceRecord{ID: "m-2003", Content: "x", Role: "system"}, SourceSocket)
	if msg.SenderLabel != defaultSystemLabel {
		t.Errorf("system SenderLabel = %q, want %q", msg.SenderLabel, defaultSystemLabel)
	}
}

func TestNormalize_Visibility(t *testing.T) {
	n := newTestNormalizer()

	msg, _ := n.Normalize(SourceRecord{ID: "m-3000", Content: "x", Internal: true}, SourcePoll)
	if msg.Visibility != VisibilityInternal {
		t.Errorf("Visibility = %q, want internal", msg.Visibility)
	}

	msg, _ = n.Normalize(SourceRecord{ID: "m-3001", Content: "x"}, SourcePoll)
	if msg.Visibility != VisibilityPublic {
		t.Errorf("Visibility = %q, want public", msg.Visibility)
	}
}

func TestNormalize_DeliveryDefaultsToSent(t *testing.T) {
	n := newTestNormalizer()

	msg, _ := n.Normalize(SourceRecord{ID: "m-4000", Content: "x"}, SourcePoll)
	if msg.Delivery != DeliverySent {
		t.Errorf("Delivery = %q, want sent", msg.Delivery)
	}

	msg, _ = n.Normalize(SourceRecord{ID: "m-4001", Content: "x", Delivery: "read"}, SourcePoll)
	if msg.Delivery != DeliveryRead {
		t.Errorf("Delivery = %q, want read", msg.Delivery)
	}

	msg, _ = n.Normalize(SourceRecord{ID: "m-4002", Content: "x", Delivery: "bogus"}, SourcePoll)
	if msg.Delivery != DeliverySent {
		t.Errorf("unknown Delivery = %q, want sent", msg.Delivery)
	}
}

func TestNormalize_MalformedRecords(t *testing.T) {
	n := newTestNormalizer()

	if _, err := n.Normalize(SourceRecord{Content: "x"}, SourcePoll); !errors.Is(err, ErrMissingID) {
		t.Errorf("missing id error = %v, want ErrMissingID", err)
	}
	if _, err := n.Normalize(SourceRecord{ID: "m-5000"}, SourcePoll); !errors.Is(err, ErrMissingContent) {
		t.Errorf("missing content error = %v, want ErrMissingContent", err)
	}

	// Attachment-only messages are well-formed.
	msg, err := n.Normalize(SourceRecord{
		ID:          "m-5001",
		Attachments: []Attachment{{ID: "a1", Name: "invoice.pdf", MimeKind: "document"}},
	}, SourcePoll)
	if err != nil {
		t.Fatalf("attachment-only message rejected: %v", err)
	}
	if len(msg.Attachments) != 1 {
		t.Errorf("Attachments len = %d, want 1", len(msg.Attachments))
	}
}

func TestNormalize_ZeroTimestampDefaultsToNow(t *testing.T) {
	n := newTestNormalizer()
	before := time.Now()
	msg, err := n.Normalize(SourceRecord{ID: "m-6000", Content: "x"}, SourcePoll)
	if err != nil {
		t.Fatal(err)
	}
	if msg.OccurredAt.Before(before) {
		t.Errorf("OccurredAt = %v, want >= %v", msg.OccurredAt, before)
	}
}

func TestNormalizeBatch_CountsSkips(t *testing.T) {
	n := newTestNormalizer()
	recs := []SourceRecord{
		{ID: "m-7000", Content: "ok"},
		{Content: "no id"},
		{ID: "m-7001"},
		{ID: "m-7002", Content: "ok too"},
	}
	msgs, skipped := n.NormalizeBatch(recs, SourceSubscription)
	if len(msgs) != 2 {
		t.Errorf("normalized = %d, want 2", len(msgs))
	}
	if skipped != 2 {
		t.Errorf("skipped = %d, want 2", skipped)
	}
}
