package history

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehr/medidiag/internal/listing"
	"github.com/ehr/medidiag/internal/platform/apiclient"
	"github.com/ehr/medidiag/internal/platform/clock"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

const twoDiagnoses = `{"status":"success","data":[
	{"id":1,"patient_id":42,"disease_code":"D1","disease_name":"Gripe","diagnosis_date":"2025-01-10T08:00:00","status":"recovered"},
	{"id":2,"patient_id":42,"disease_code":"D2","disease_name":"Bronquitis","diagnosis_date":"2025-02-20T08:00:00","status":"active"},
	{"id":3,"patient_id":42,"disease_code":"D1","disease_name":"Gripe","diagnosis_date":"2024-11-02T08:00:00","status":"recovered"}
]}`

type fakeAPI struct {
	calls  atomic.Int32
	status atomic.Int32
	body   string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	w.Header().Set("Content-Type", "application/json")
	if s := f.status.Load(); s != 0 {
		w.WriteHeader(int(s))
		io.WriteString(w, `{"status":"error","message":"falló"}`)
		return
	}
	if r.URL.Path != "/api/patients/42/diagnoses" {
		io.WriteString(w, `{"status":"success","data":[]}`)
		return
	}
	io.WriteString(w, f.body)
}

func newController(t *testing.T, f *fakeAPI, opts ...Option) (*Controller, *clock.Manual) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	clk := clock.NewManual(epoch)
	opts = append([]Option{WithClock(clk)}, opts...)
	return New(context.Background(), apiclient.New(srv.URL), opts...), clk
}

func TestToggleExpand_TTL(t *testing.T) {
	f := &fakeAPI{body: twoDiagnoses}
	c, clk := newController(t, f)

	if !c.ToggleExpand(42) {
		t.Fatal("expected expanded")
	}
	c.Wait()
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("expected 1 fetch, got %d", n)
	}
	if c.ToggleExpand(42) {
		t.Fatal("expected collapsed")
	}

	clk.Advance(30 * time.Second)
	c.ToggleExpand(42)
	c.Wait()
	if n := f.calls.Load(); n != 1 {
		t.Errorf("expected cache hit at 30s, got %d fetches", n)
	}
	c.ToggleExpand(42)

	clk.Set(epoch.Add(6 * time.Minute))
	c.ToggleExpand(42)
	c.Wait()
	if n := f.calls.Load(); n != 2 {
		t.Errorf("expected refetch after TTL, got %d fetches", n)
	}
}

func TestView_SortedNewestFirst(t *testing.T) {
	f := &fakeAPI{body: twoDiagnoses}
	c, _ := newController(t, f)
	c.ToggleExpand(42)
	c.Wait()

	row := c.View(42)
	if !row.Expanded || row.Loading || row.Empty() {
		t.Fatalf("unexpected row state %+v", row)
	}
	var ids []int64
	for _, d := range row.Diagnoses {
		ids = append(ids, d.ID)
	}
	if len(ids) != 3 || ids[0] != 2 || ids[1] != 1 || ids[2] != 3 {
		t.Errorf("expected order [2 1 3], got %v", ids)
	}
}

func TestView_EmptyHistory(t *testing.T) {
	f := &fakeAPI{body: `{"status":"success","data":[]}`}
	c, _ := newController(t, f)
	c.ToggleExpand(42)
	c.Wait()
	if row := c.View(42); !row.Empty() || !row.Expanded {
		t.Errorf("expected expanded empty state, got %+v", row)
	}
}

func TestFetchFailure_EmptyAndRetried(t *testing.T) {
	f := &fakeAPI{body: twoDiagnoses}
	f.status.Store(http.StatusInternalServerError)
	var gotErr error
	c, _ := newController(t, f, WithOnError(func(err error) { gotErr = err }))

	c.ToggleExpand(42)
	c.Wait()
	row := c.View(42)
	if !row.Expanded || row.Loading || len(row.Diagnoses) != 0 {
		t.Errorf("expected expanded empty row after failure, got %+v", row)
	}
	if gotErr == nil {
		t.Error("expected error callback")
	}

	f.status.Store(0)
	c.ToggleExpand(42)
	c.ToggleExpand(42)
	c.Wait()
	if n := f.calls.Load(); n != 2 {
		t.Errorf("failed load should not be cached, got %d fetches", n)
	}
	if len(c.View(42).Diagnoses) != 3 {
		t.Error("expected history after retry")
	}
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	f := &fakeAPI{body: twoDiagnoses}
	c, _ := newController(t, f)
	c.ToggleExpand(42)
	c.Wait()
	c.ToggleExpand(42)

	c.Invalidate(42)
	if c.View(42).Diagnoses != nil {
		t.Error("expected cache entry dropped")
	}
	c.ToggleExpand(42)
	c.Wait()
	if n := f.calls.Load(); n != 2 {
		t.Errorf("expected refetch after invalidate, got %d", n)
	}
}

type gatedAPI struct {
	mu      sync.Mutex
	release chan struct{}
	entered chan struct{}
}

func (g *gatedAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	entered, release := g.entered, g.release
	g.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, twoDiagnoses)
}

func TestInvalidate_DiscardsInFlightLoad(t *testing.T) {
	g := &gatedAPI{release: make(chan struct{}), entered: make(chan struct{})}
	srv := httptest.NewServer(g)
	defer srv.Close()
	c := New(context.Background(), apiclient.New(srv.URL), WithClock(clock.NewManual(epoch)))

	c.ToggleExpand(42)
	<-g.entered
	if !c.View(42).Loading {
		t.Error("expected loading while in flight")
	}
	c.Invalidate(42)
	close(g.release)
	c.Wait()

	row := c.View(42)
	if row.Loading || row.Diagnoses != nil {
		t.Errorf("stale load should be discarded, got %+v", row)
	}
}

const onlyGripe = `{"status":"success","data":[
	{"id":1,"patient_id":42,"disease_code":"D1","disease_name":"Gripe","diagnosis_date":"2025-01-10T08:00:00","status":"recovered"}
]}`

// savedDuringLoadAPI holds the first request until released and answers it
// with the history before a diagnosis was saved; later requests see the
// saved Bronquitis diagnosis.
type savedDuringLoadAPI struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (a *savedDuringLoadAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := twoDiagnoses
	if a.calls.Add(1) == 1 {
		close(a.entered)
		<-a.release
		body = onlyGripe
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, body)
}

func newSavedDuringLoad(t *testing.T) (*Controller, *savedDuringLoadAPI) {
	t.Helper()
	a := &savedDuringLoadAPI{entered: make(chan struct{}), release: make(chan struct{})}
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	return New(context.Background(), apiclient.New(srv.URL), WithClock(clock.NewManual(epoch))), a
}

func TestInvalidate_ReexpandDuringLoadRefetches(t *testing.T) {
	c, a := newSavedDuringLoad(t)

	c.ToggleExpand(42)
	<-a.entered
	c.Invalidate(42)
	c.ToggleExpand(42)
	if !c.ToggleExpand(42) {
		t.Fatal("expected expanded")
	}
	close(a.release)
	c.Wait()

	if n := a.calls.Load(); n != 2 {
		t.Fatalf("expected a fresh fetch after invalidate, got %d fetches", n)
	}
	row := c.View(42)
	if !row.Expanded || row.Loading || len(row.Diagnoses) != 3 {
		t.Fatalf("expected expanded row with the saved history, got %+v", row)
	}
	if row.Diagnoses[0].DiseaseName != "Bronquitis" {
		t.Errorf("newest diagnosis = %q, want Bronquitis", row.Diagnoses[0].DiseaseName)
	}
}

func TestInvalidate_MostRecentSkipsEarlierLoad(t *testing.T) {
	c, a := newSavedDuringLoad(t)

	c.ToggleExpand(42)
	<-a.entered
	c.Invalidate(42)

	type result struct {
		name string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		d, err := c.MostRecent(context.Background(), 42)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{name: d.DiseaseName}
	}()
	res := <-done
	close(a.release)
	c.Wait()

	if res.err != nil {
		t.Fatalf("MostRecent: %v", res.err)
	}
	if res.name != "Bronquitis" {
		t.Errorf("MostRecent = %q, want Bronquitis", res.name)
	}
	if n := a.calls.Load(); n != 2 {
		t.Errorf("expected 2 fetches, got %d", n)
	}
	if got := len(c.View(42).Diagnoses); got != 3 {
		t.Errorf("cached %d diagnoses after the earlier load finished, want 3", got)
	}
}

func TestMostRecent(t *testing.T) {
	f := &fakeAPI{body: twoDiagnoses}
	c, _ := newController(t, f)

	d, err := c.MostRecent(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if d.ID != 2 {
		t.Errorf("expected diagnosis 2, got %d", d.ID)
	}
	if _, err := c.MostRecent(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("second call should use the cache, got %d fetches", n)
	}

	if _, err := c.MostRecent(context.Background(), 7); !errors.Is(err, ErrNoDiagnoses) {
		t.Errorf("expected ErrNoDiagnoses, got %v", err)
	}
}

func TestDiseases(t *testing.T) {
	f := &fakeAPI{body: twoDiagnoses}
	c, _ := newController(t, f)
	if _, err := c.Refresh(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	got := c.Diseases(42)
	if len(got) != 2 || got[0] != "Bronquitis" || got[1] != "Gripe" {
		t.Errorf("Diseases = %v", got)
	}
}

func TestNewPatientList_ClientSideFiltering(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RequestURI())
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"success","data":[]}`)
	}))
	defer srv.Close()

	clk := clock.NewManual(epoch)
	l := NewPatientList(apiclient.New(srv.URL), time.Second, 10, listing.WithClock(clk))
	l.Mount(context.Background())
	l.Wait()
	l.SetFilter("nombre", "ana")
	clk.Advance(time.Second)
	l.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"/api/patients?page=1&page_size=10",
		"/api/patients?page=1&page_size=1000&nombre=ana",
	}
	if len(queries) != 2 || queries[0] != want[0] || queries[1] != want[1] {
		t.Errorf("queries = %v, want %v", queries, want)
	}
}
