package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chris-regnier/warden/internal/signal"
)

// Answer is one reputation source's opinion of a candidate.
type Answer struct {
	// Known is false when the source has never seen the candidate.
	Known     bool    `json:"known"`
	Score     float64 `json:"score"`
	Malicious bool    `json:"malicious,omitempty"`
	Label     string  `json:"label,omitempty"`
	// Indicators lists the network indicators the source judged bad.
	Indicators []string `json:"indicators,omitempty"`
}

// Source is an external reputation service.
type Source interface {
	Name() string
	Lookup(ctx context.Context, c signal.Candidate) (Answer, error)
}

// ReputationCollector queries every configured source in parallel and
// aggregates whatever answered before the deadline.
type ReputationCollector struct {
	sources []Source
}

func NewReputationCollector(sources ...Source) *ReputationCollector {
	return &ReputationCollector{sources: sources}
}

func (r *ReputationCollector) Kind() signal.Kind { return signal.KindReputation }

// Sources returns the configured sources.
func (r *ReputationCollector) Sources() []Source {
	return r.sources
}

type sourceReply struct {
	name string
	ans  Answer
	err  error
}

// Collect averages the scores of sources that know the candidate. Confidence
// is the fraction of configured sources that gave an opinion. A deadline with
// no opinions is a timeout; every source failing is a failure.
func (r *ReputationCollector) Collect(ctx context.Context, c signal.Candidate) (signal.Result, error) {
	start := time.Now()
	if len(r.sources) == 0 {
		return signal.Skipped(signal.KindReputation, "no reputation sources configured"), nil
	}

	// Stop waiting a little before the caller's deadline so partial answers
	// are returned rather than lost to the timeout.
	wait := ctx
	if dl, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		wait, cancel = context.WithDeadline(ctx, dl.Add(-time.Until(dl)/10))
		defer cancel()
	}

	replies := make(chan sourceReply, len(r.sources))
	var wg sync.WaitGroup
	for _, src := range r.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			ans, err := src.Lookup(ctx, c)
			replies <- sourceReply{name: src.Name(), ans: ans, err: err}
		}(src)
	}
	go func() {
		wg.Wait()
		close(replies)
	}()

	var (
		answered []sourceReply
		failures []string
		unknown  int
		timedOut bool
		received int
	)
collect:
	for received < len(r.sources) {
		select {
		case rep, ok := <-replies:
			if !ok {
				break collect
			}
			received++
			switch {
			case rep.err != nil:
				failures = append(failures, fmt.Sprintf("%s: %v", rep.name, rep.err))
			case !rep.ans.Known:
				unknown++
			default:
				answered = append(answered, rep)
			}
		case <-wait.Done():
			timedOut = true
			break collect
		}
	}

	if len(answered) == 0 {
		switch {
		case timedOut && unknown == 0:
			return signal.Result{}, fmt.Errorf("%w: no source answered", signal.ErrCollectorTimeout)
		case len(failures) == len(r.sources):
			return signal.Result{}, fmt.Errorf("%w: %s", signal.ErrCollectorFailure, strings.Join(failures, "; "))
		}
		return signal.Result{
			Kind:     signal.KindReputation,
			Outcome:  signal.OutcomeCompleted,
			Evidence: signal.Evidence{Note: fmt.Sprintf("%d of %d sources had no record", unknown, len(r.sources))},
			Duration: time.Since(start),
		}, nil
	}

	sort.Slice(answered, func(i, j int) bool { return answered[i].name < answered[j].name })
	var sum float64
	ev := signal.Evidence{}
	seen := make(map[string]bool)
	worst := answered[0]
	for _, rep := range answered {
		sum += rep.ans.Score
		ev.Sources = append(ev.Sources, rep.name)
		if rep.ans.Score > worst.ans.Score {
			worst = rep
		}
		for _, ind := range rep.ans.Indicators {
			if !seen[ind] {
				seen[ind] = true
				ev.Indicators = append(ev.Indicators, ind)
			}
		}
	}
	sort.Strings(ev.Indicators)
	if worst.ans.Label != "" {
		ev.Family = worst.ans.Label
	}
	ev.Note = fmt.Sprintf("%d of %d sources answered", len(answered), len(r.sources))
	if timedOut {
		ev.Note += " before deadline"
	}

	return signal.Result{
		Kind:       signal.KindReputation,
		Outcome:    signal.OutcomeCompleted,
		Score:      sum / float64(len(answered)),
		Confidence: float64(len(answered)) / float64(len(r.sources)),
		Evidence:   ev,
		Duration:   time.Since(start),
	}, nil
}

// HTTPSource queries a reputation service over HTTP:
//
//	GET {base}/api/reputation/{fingerprint}
//
// A 404 means the service has no record of the fingerprint.
type HTTPSource struct {
	name       string
	baseURL    string
	token      string
	httpClient *http.Client
}

// HTTPSourceOption configures an HTTPSource.
type HTTPSourceOption func(*HTTPSource)

// WithSourceToken sets the bearer token sent with each lookup.
func WithSourceToken(token string) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.token = token
	}
}

// WithSourceHTTPClient overrides the HTTP client.
func WithSourceHTTPClient(c *http.Client) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.httpClient = c
	}
}

func NewHTTPSource(name, baseURL string, opts ...HTTPSourceOption) *HTTPSource {
	s := &HTTPSource{
		name:       name,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Lookup(ctx context.Context, c signal.Candidate) (Answer, error) {
	u := s.baseURL + "/api/reputation/" + url.PathEscape(c.Fingerprint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Answer{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Answer{}, fmt.Errorf("querying %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Answer{}, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Answer{}, fmt.Errorf("%s returned status %d: %s", s.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var ans Answer
	if err := json.NewDecoder(resp.Body).Decode(&ans); err != nil {
		return Answer{}, fmt.Errorf("decoding %s response: %w", s.name, err)
	}
	ans.Known = true
	ans.Score = signal.Clamp(ans.Score, 0, 100)
	return ans, nil
}

// IndicatorListSource scores candidates by their network indicators against a
// local blocklist of domains and addresses.
type IndicatorListSource struct {
	name  string
	score float64
	bad   map[string]string
}

// NewIndicatorListSource builds a source where each listed indicator maps to
// a label. A match reports score.
func NewIndicatorListSource(name string, score float64, bad map[string]string) *IndicatorListSource {
	norm := make(map[string]string, len(bad))
	for k, v := range bad {
		norm[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &IndicatorListSource{name: name, score: signal.Clamp(score, 0, 100), bad: norm}
}

func (s *IndicatorListSource) Name() string { return s.name }

// Lookup reports a known-bad answer when any indicator is listed, and no
// opinion otherwise.
func (s *IndicatorListSource) Lookup(ctx context.Context, c signal.Candidate) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}
	var hits []string
	label := ""
	for _, ind := range c.Indicators {
		key := strings.ToLower(strings.TrimSpace(ind))
		if l, ok := s.bad[key]; ok {
			hits = append(hits, key)
			if label == "" {
				label = l
			}
		}
	}
	if len(hits) == 0 {
		return Answer{}, nil
	}
	sort.Strings(hits)
	return Answer{Known: true, Score: s.score, Malicious: true, Label: label, Indicators: hits}, nil
}
