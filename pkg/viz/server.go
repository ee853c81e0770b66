package viz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/norasector/bladestream/pkg/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StatsFunc reports the streams to list on /stats.
type StatsFunc func() []stream.Stats

type Server struct {
	srv            *http.Server
	updateInterval time.Duration
	stats          StatsFunc
	gatherer       prometheus.Gatherer
	logger         zerolog.Logger

	mu         sync.RWMutex
	buckets    map[string]map[string]Producer
	images     map[string]map[string]*ImageContainer
	lastViewed map[string]time.Time
	enabled    bool
}

type ServerOption func(s *Server) error

func WithStats(fn StatsFunc) ServerOption {
	return func(s *Server) error {
		s.stats = fn
		return nil
	}
}

// WithGatherer serves the metrics of g on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) error {
		s.gatherer = g
		return nil
	}
}

func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

func NewServer(addr string, updateInterval time.Duration, opts ...ServerOption) (*Server, error) {
	if updateInterval <= 0 {
		return nil, fmt.Errorf("update interval %s: %w", updateInterval, stream.ErrInval)
	}
	s := &Server{
		srv:            &http.Server{Addr: addr},
		updateInterval: updateInterval,
		logger:         log.Logger,
		buckets:        make(map[string]map[string]Producer),
		images:         make(map[string]map[string]*ImageContainer),
		lastViewed:     make(map[string]time.Time),
		enabled:        true,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.srv.Handler = s.Handler()
	return s, nil
}

func (s *Server) Enable(enable bool) {
	s.mu.Lock()
	s.enabled = enable
	s.mu.Unlock()
}

// Register adds a producer to a bucket. Each bucket is one page of plots.
func (s *Server) Register(bucket string, p Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]Producer)
		s.buckets[bucket] = b
	}
	b[p.Name()] = p
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Run serves until ctx is cancelled, refreshing plots of recently viewed
// buckets every update interval.
func (s *Server) Run(ctx context.Context) error {
	go s.refreshLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("status server listening")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(time.Second)
		}
	}
}

// Refresh renders every producer in buckets viewed within the window.
func (s *Server) Refresh(window time.Duration) {
	s.mu.RLock()
	if !s.enabled {
		s.mu.RUnlock()
		return
	}
	var work []struct {
		bucket string
		p      Producer
	}
	for name, bucket := range s.buckets {
		if time.Since(s.lastViewed[name]) >= window {
			continue
		}
		for _, p := range bucket {
			work = append(work, struct {
				bucket string
				p      Producer
			}{name, p})
		}
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, w := range work {
		wg.Add(1)
		go func(bucket string, p Producer) {
			defer wg.Done()
			img, err := p.GetImage()
			if err != nil {
				s.logger.Warn().Err(err).Str("plot", p.Name()).Msg("unable to render plot")
				return
			}
			if img == nil {
				return
			}
			s.mu.Lock()
			imgs, ok := s.images[bucket]
			if !ok {
				imgs = make(map[string]*ImageContainer)
				s.images[bucket] = imgs
			}
			imgs[img.name] = img
			s.mu.Unlock()
		}(w.bucket, w.p)
	}
	wg.Wait()
}

func (s *Server) markViewed(bucket string) {
	s.mu.Lock()
	s.lastViewed[bucket] = time.Now()
	s.mu.Unlock()
}

func (s *Server) Handler() http.Handler {
	handler := httprouter.New()

	handler.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.mu.RLock()
		keys := sortedKeys(s.buckets)
		s.mu.RUnlock()
		if len(keys) == 0 {
			http.Redirect(w, r, "/stats", http.StatusFound)
			return
		}
		http.Redirect(w, r, "/view/"+url.PathEscape(keys[0]), http.StatusFound)
	})

	handler.GET("/view/:bucket", s.handleView)

	handler.GET("/img/:bucket/:img", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		bucket := params.ByName("bucket")
		s.markViewed(bucket)

		s.mu.RLock()
		img, ok := s.images[bucket][params.ByName("img")]
		s.mu.RUnlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Add("Content-Type", "image/png")
		w.Write(img.data)
	})

	handler.GET("/stats", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var stats []stream.Stats
		if s.stats != nil {
			stats = s.stats()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			s.logger.Warn().Err(err).Msg("writing stats")
		}
	})

	if s.gatherer != nil {
		handler.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return handler
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	bucket := params.ByName("bucket")

	s.mu.RLock()
	producers, ok := s.buckets[bucket]
	buckets := sortedKeys(s.buckets)
	names := sortedKeys(producers)
	s.mu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.markViewed(bucket)

	w.Header().Add("Content-Type", "text/html")
	fmt.Fprint(w, `<html><head><title>bladestream</title></head>`)
	fmt.Fprintf(w, `
	<script type="text/javascript">
		var toggleRefresh = true;
		function toggleOn() {
			toggleRefresh = !toggleRefresh;
		}
		function changeBucket() {
			window.location.href = '/view/' + document.getElementById('bucketSelector').value;
		}
		window.onload = function() {
			for (var i = 0; i < %d; i++) {
				setInterval(function(image) {
					if (toggleRefresh) {
						image.src = image.src.split("?")[0] + "?" + new Date().getTime();
					}
				}, %d, document.getElementById('graph-' + i));
			}
		}
	</script>`, len(names), s.updateInterval.Milliseconds())
	fmt.Fprint(w, `<body style='background-color: black'>`)

	fmt.Fprint(w, `<select id="bucketSelector" onchange="changeBucket()">`)
	for _, name := range buckets {
		selected := ""
		if name == bucket {
			selected = " selected"
		}
		fmt.Fprintf(w, `<option value="%s"%s>%s</option>`, name, selected, name)
	}
	fmt.Fprint(w, `</select><button onclick="toggleOn()">Refresh?</button> <a href="/stats">stats</a>`)

	fmt.Fprint(w, `<div style="display: flex; flex-direction: row; flex-wrap: wrap">`)
	for idx, name := range names {
		fmt.Fprintf(w, `<div><img id="graph-%d" src="/img/%s/%s?%d" /></div>`,
			idx, url.PathEscape(bucket), url.PathEscape(name), time.Now().UnixMicro())
	}
	fmt.Fprint(w, `</div></body></html>`)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
