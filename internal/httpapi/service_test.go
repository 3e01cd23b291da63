package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"inferd/internal/backend/backendtest"
	"inferd/internal/chat"
	"inferd/internal/promptcache"
	"inferd/internal/scheduler"
	"inferd/pkg/types"
)

type liveService struct {
	*scheduler.Scheduler
	*chat.Service
}

func newLiveMux(t *testing.T, f *backendtest.Fake) http.Handler {
	t.Helper()
	s, err := scheduler.New(scheduler.Config{
		Models: []types.Model{{
			ID: "m1", Path: "m1.gguf", ContentHash: "h",
			Load: types.DefaultLoadParams(), Infer: types.DefaultInferenceParams(),
		}},
		DefaultModel: "m1",
		Backends:     backendtest.Resolver{"": f},
		Cache:        promptcache.New(promptcache.Config{Dir: t.TempDir()}),
		TickInterval: 2 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
		IdleTimeout:  -1,
	})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = s.Close()
	})
	return NewMux(liveService{Scheduler: s, Service: chat.NewService(s, chat.Formatter{}, nil)})
}

func lastLine(t *testing.T, body string) types.InferResponse {
	t.Helper()
	var last string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		last = sc.Text()
	}
	var resp types.InferResponse
	if err := json.Unmarshal([]byte(last), &resp); err != nil {
		t.Fatalf("final line %q: %v", last, err)
	}
	return resp
}

func TestLiveInfer(t *testing.T) {
	h := newLiveMux(t, backendtest.New(" Hello", "!"))
	w := postJSON(t, h, "/infer", `{"prompt":"Hi","stream":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if n := strings.Count(w.Body.String(), "\n"); n != 3 {
		t.Fatalf("lines=%d body=%s", n, w.Body.String())
	}
	resp := lastLine(t, w.Body.String())
	if !resp.Done || resp.Content != "Hello!" || resp.Error != nil {
		t.Fatalf("final=%+v", resp)
	}

	if w := postJSON(t, h, "/infer", `{"model":"nope","prompt":"Hi"}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown model: %d", w.Code)
	}
}

func TestLiveChatResumes(t *testing.T) {
	f := backendtest.New()
	f.Script = func(prompt string) []string {
		if strings.Contains(prompt, "How are you?") {
			return []string{"Fine."}
		}
		return []string{"Hello!"}
	}
	h := newLiveMux(t, f)
	w := postJSON(t, h, "/chat", `{"messages":[{"role":"user","content":"Hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	first := lastLine(t, w.Body.String())
	if first.Content != "Hello!" || first.InstanceID == "" {
		t.Fatalf("turn 1: %+v", first)
	}
	w = postJSON(t, h, "/chat", `{"messages":[{"role":"user","content":"Hi"},{"role":"assistant","content":"Hello!"},{"role":"user","content":"How are you?"}]}`)
	second := lastLine(t, w.Body.String())
	if second.Content != "Fine." {
		t.Fatalf("turn 2: %+v", second)
	}
	prompts := f.Prompts()
	if got := prompts[len(prompts)-1]; got != "\nUser: How are you?\nAssistant: " {
		t.Fatalf("turn 2 prompt=%q", got)
	}
}
