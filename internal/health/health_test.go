package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("chain", Ping("chain", func(context.Context) error {
		return errors.New("connection refused")
	}))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryInfoCheckerDoesNotFailReadiness(t *testing.T) {
	r := NewRegistry()
	r.RegisterInfo("kill_switch", func(_ context.Context) Status {
		return Status{Healthy: false, Detail: "triggered"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("informational checker must not fail readiness")
	}
	if statuses[0].Name != "kill_switch" || statuses[0].Critical {
		t.Fatalf("unexpected status %+v", statuses[0])
	}
}

func TestRegistryAppliesTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 10 * time.Millisecond
	r.Register("slow", Ping("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	healthy, _ := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed out checker should be unhealthy")
	}
}

func TestReadyHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRegistry()
	up := true
	r.Register("db", func(_ context.Context) Status { return Status{Healthy: up} })

	router := gin.New()
	router.GET("/health/ready", r.ReadyHandler())
	router.GET("/health/live", LiveHandler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	up = false
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected live 200, got %d", w.Code)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
