package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ent0n29/parlance/internal/reliability"
	"github.com/ent0n29/parlance/internal/session"
)

func TestOpenAIAdapterStreamsAndMapsRoles(t *testing.T) {
	var roles []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, m := range body.Messages {
			roles = append(roles, m.Role)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := NewOpenAIAdapter("sk-test", srv.URL+"/v1", "")
	var deltas []string
	resp, err := a.StreamResponse(context.Background(), Request{
		SystemPrompt: "be kind",
		Turns: []session.Turn{
			{Role: session.RoleUser, Text: "hi"},
			{Role: session.RoleModel, Text: "hey"},
			{Role: session.RoleUser, Text: "again"},
		},
	}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if resp.Text != "Hello" || len(deltas) != 2 {
		t.Fatalf("resp = %q deltas = %q", resp.Text, deltas)
	}
	want := []string{"system", "user", "assistant", "user"}
	if strings.Join(roles, ",") != strings.Join(want, ",") {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
}

func TestOpenAIAdapterMapsStatusToKind(t *testing.T) {
	cases := []struct {
		status int
		want   reliability.Kind
	}{
		{http.StatusUnauthorized, reliability.KindUpstreamAuth},
		{http.StatusTooManyRequests, reliability.KindUpstreamThrottled},
		{http.StatusInternalServerError, reliability.KindUpstreamUnavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test_error"}}`))
		}))
		a := NewOpenAIAdapter("sk-test", srv.URL+"/v1", "gpt-test")
		_, err := a.StreamResponse(context.Background(), userRequest("hi"), nil)
		srv.Close()
		if got := reliability.KindOf(err); got != tc.want {
			t.Fatalf("status %d: kind = %q, want %q (err = %v)", tc.status, got, tc.want, err)
		}
	}
}
