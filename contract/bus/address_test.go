package bus_test

import (
	"testing"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
)

func TestReplyAddress_TranslatesOnlyOntoTopicExchange(t *testing.T) {
	a := cbus.ReplyAddress("replies/abc", "")
	if !a.IsQueue() || a.Key != "replies/abc" {
		t.Fatalf("default exchange reply must keep the queue name, got %+v", a)
	}

	a = cbus.ReplyAddress("replies/abc", "amq.topic")
	if a.Exchange != "amq.topic" || a.Key != "replies.abc" {
		t.Fatalf("topic reply: %+v", a)
	}

	// a second conversion is a no-op
	again := a.OnExchange("amq.topic")
	if again != a {
		t.Fatalf("double translation: %+v", again)
	}

	// a plain queue name survives unchanged on either exchange
	if k := cbus.ReplyAddress("credit_response", "amq.topic").Key; k != "credit_response" {
		t.Fatalf("plain queue: %s", k)
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"irregularidade.detectada", "irregularidade.detectada", true},
		{"irregularidade.*", "irregularidade.detectada", true},
		{"irregularidade.*", "irregularidade.detectada.zona", false},
		{"irregularidade.#", "irregularidade.detectada.zona", true},
		{"irregularidade.#", "irregularidade", true},
		{"#", "anything.at.all", true},
		{"*.detectada", "irregularidade.detectada", true},
		{"*.detectada", "detectada", false},
		{"replies.#.x", "replies.a.b.x", true},
		{"replies.#.x", "replies.a.b.y", false},
		{"a.b", "a.c", false},
	}

	for _, tc := range tests {
		if got := cbus.MatchTopic(tc.pattern, tc.key); got != tc.want {
			t.Fatalf("MatchTopic(%q, %q)=%v want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

func TestBindingMatches(t *testing.T) {
	q := cbus.Binding{Queue: "queue_credito"}
	if !q.Matches(cbus.Queue("queue_credito")) || q.Matches(cbus.Queue("other")) {
		t.Fatalf("queue binding routing")
	}

	tb := cbus.Binding{Queue: "q", Exchange: "events", Pattern: "irregularidade.#"}
	if !tb.Matches(cbus.Topic("events", "irregularidade.detectada")) {
		t.Fatalf("topic binding should match")
	}

	if tb.Matches(cbus.Topic("other", "irregularidade.detectada")) {
		t.Fatalf("topic binding must be exchange scoped")
	}
}
