package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/agent-bench-runner/internal/config"
	"github.com/hochfrequenz/agent-bench-runner/internal/domain"
	"github.com/hochfrequenz/agent-bench-runner/internal/jobqueue"
	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
	"github.com/hochfrequenz/agent-bench-runner/internal/store"
)

func TestResolveBundles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"pod-crash", "disk-full"} {
		if err := os.Mkdir(filepath.Join(dir, name), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		names []string
		want  []string
	}{
		{"glob", []string{"*"}, []string{"disk-full", "pod-crash"}},
		{"named", []string{"pod-crash"}, []string{"pod-crash"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bundles, err := resolveBundles(tt.names, dir)
			if err != nil {
				t.Fatal(err)
			}
			if len(bundles) != len(tt.want) {
				t.Fatalf("got %d bundles, want %d", len(bundles), len(tt.want))
			}
			for i, b := range bundles {
				if b.Name != tt.want[i] || b.Directory != filepath.Join(dir, tt.want[i]) {
					t.Errorf("bundle %d = %s in %s", i, b.Name, b.Directory)
				}
				if b.ID == "" || !b.EnableEvaluationWait {
					t.Errorf("bundle %d = %+v", i, b)
				}
			}
		})
	}

	if _, err := resolveBundles([]string{"*"}, t.TempDir()); err == nil {
		t.Error("an empty bundle dir should fail")
	}
}

func TestLocalAgents(t *testing.T) {
	agents := localAgents([]string{"a", "b"}, "/agents", []string{"python", "main.py"})
	if len(agents) != 2 || agents[0].Mode != domain.AgentModeLocal || len(agents[1].Run.Argv()) != 2 {
		t.Errorf("agents = %+v", agents)
	}
	if agents[0].ID == agents[1].ID {
		t.Error("agents should get distinct ids")
	}

	remote := localAgents([]string{"human"}, "/agents", nil)
	if !remote[0].IsRemote() || remote[0].Run != nil {
		t.Errorf("agent without command = %+v", remote[0])
	}
}

func TestAuthenticator(t *testing.T) {
	var logins int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		r.ParseForm()
		if r.Form.Get("username") != "sa-1" || r.Form.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		logins++
		w.Write([]byte(`{"access_token": "issued"}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.ServiceAccounts = []config.ServiceAccount{{ID: "sa-1", Type: "sre", APIKey: "secret"}}

	t.Run("service account", func(t *testing.T) {
		c := *cfg
		c.Runner.ServiceType = "sre"
		c.Runner.Token = "ignored"
		client := restclient.NewWithBaseURL(srv.URL, restclient.Endpoint{RateLimit: -1})
		login, err := authenticator(&c, client)
		if err != nil || login == nil {
			t.Fatalf("authenticator() = %p, %v", login, err)
		}
		if err := login(context.Background()); err != nil {
			t.Fatal(err)
		}
		if client.Token() != "issued" || logins != 1 {
			t.Errorf("token = %q after %d logins", client.Token(), logins)
		}
	})

	t.Run("unknown service type", func(t *testing.T) {
		c := *cfg
		c.Runner.ServiceType = "finops"
		_, err := authenticator(&c, restclient.NewWithBaseURL(srv.URL, restclient.Endpoint{}))
		if !errors.Is(err, config.ErrNoServiceAccount) {
			t.Errorf("err = %v, want ErrNoServiceAccount", err)
		}
	})

	t.Run("static token", func(t *testing.T) {
		c := *cfg
		c.Runner.Token = "static"
		client := restclient.NewWithBaseURL(srv.URL, restclient.Endpoint{})
		login, err := authenticator(&c, client)
		if err != nil || login != nil {
			t.Fatalf("authenticator() = %p, %v", login, err)
		}
		if client.Token() != "static" {
			t.Errorf("token = %q", client.Token())
		}
	})
}

func TestNewQueue(t *testing.T) {
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	registry := restclient.NewWithBaseURL("http://127.0.0.1:1", restclient.Endpoint{})

	tests := []struct {
		backend string
		check   func(jobqueue.Queue) bool
		wantErr bool
	}{
		{"", func(q jobqueue.Queue) bool { _, ok := q.(*jobqueue.RESTQueue); return ok }, false},
		{config.BackendREST, func(q jobqueue.Queue) bool { _, ok := q.(*jobqueue.RESTQueue); return ok }, false},
		{config.BackendLocal, func(q jobqueue.Queue) bool { _, ok := q.(*jobqueue.LocalQueue); return ok }, false},
		{config.BackendRedis, func(q jobqueue.Queue) bool { _, ok := q.(*jobqueue.RedisQueue); return ok }, false},
		{"kafka", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := config.Default()
			cfg.Queue.Backend = tt.backend
			q, closeQueue, err := newQueue(cfg, st, registry)
			if tt.wantErr {
				if err == nil {
					t.Error("newQueue should fail")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer closeQueue()
			if !tt.check(q) {
				t.Errorf("queue = %T", q)
			}
		})
	}
}

func TestAgentResults(t *testing.T) {
	spec := func(agent string, passed bool) domain.ResultSpec {
		return domain.ResultSpec{BundleResult: domain.BundleResult{Agent: agent, Passed: passed}}
	}
	results := agentResults("nightly", []domain.ResultSpec{
		spec("a1", true), spec("a2", false), spec("a1", false), spec("a2", false),
	})
	if len(results) != 2 || results[0].Agent != "a1" || results[1].Agent != "a2" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Score != 0.5 || results[0].Name != "nightly" || len(results[0].Results) != 2 {
		t.Errorf("a1 = %+v", results[0])
	}
	if results[1].Score != 0 {
		t.Errorf("a2 score = %v", results[1].Score)
	}
}
