package metrics

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/internal/pool"
)

var (
	durationBuckets = prometheus.DefBuckets
	runBuckets      = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}
	sizeBuckets     = prometheus.ExponentialBuckets(100, 10, 8)
)

// vecs 按子系统构造指标，统一命名空间
type vecs struct {
	ns  string
	sub string
}

func (v vecs) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: v.ns, Subsystem: v.sub, Name: name, Help: help,
	}, labels)
}

func (v vecs) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: v.ns, Subsystem: v.sub, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

func (v vecs) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: v.ns, Subsystem: v.sub, Name: name, Help: help,
	}, labels)
}

func (v vecs) desc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(v.ns, v.sub, name), help, nil, nil)
}

// =============================================================================
// 📊 Collector
// =============================================================================

// Collector 汇总 taskgraph 的全部业务指标，自身实现 prometheus.Collector，
// 整体注册到一个 Registry。
type Collector struct {
	http struct {
		requests         *prometheus.CounterVec
		duration         *prometheus.HistogramVec
		reqSize, resSize *prometheus.HistogramVec
	}
	run struct {
		total    *prometheus.CounterVec
		duration *prometheus.HistogramVec
		inFlight prometheus.Gauge
	}
	node struct {
		attempts    *prometheus.CounterVec
		duration    *prometheus.HistogramVec
		retries     *prometheus.CounterVec
		circuitOpen *prometheus.CounterVec
	}
	cache struct {
		hits, misses *prometheus.CounterVec
	}
	db struct {
		open, idle *prometheus.GaugeVec
		query      *prometheus.HistogramVec
	}

	// 工作池快照在 scrape 时读取
	poolStats atomic.Pointer[func() pool.Stats]
	poolDescs struct {
		workers, active, queued        *prometheus.Desc
		submitted, completed, rejected *prometheus.Desc
	}

	members []prometheus.Collector
	logger  *zap.Logger
}

// New 创建 Collector 并注册到 reg；同一 namespace 重复注册返回错误
func New(namespace string, reg prometheus.Registerer, logger *zap.Logger) (*Collector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	h := vecs{namespace, "http"}
	c.http.requests = h.counter("requests_total", "Total number of HTTP requests", "method", "path", "status")
	c.http.duration = h.histogram("request_duration_seconds", "HTTP request duration in seconds", durationBuckets, "method", "path")
	c.http.reqSize = h.histogram("request_size_bytes", "HTTP request size in bytes", sizeBuckets, "method", "path")
	c.http.resSize = h.histogram("response_size_bytes", "HTTP response size in bytes", sizeBuckets, "method", "path")

	w := vecs{namespace, "workflow"}
	c.run.total = w.counter("runs_total", "Finished workflow runs by final status", "workflow", "status")
	c.run.duration = w.histogram("run_duration_seconds", "Workflow run wall time in seconds", runBuckets, "workflow")
	c.run.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "workflow", Name: "runs_in_flight",
		Help: "Workflow runs currently executing",
	})

	n := vecs{namespace, "node"}
	c.node.attempts = n.counter("attempts_total", "Node attempts by resulting node status", "workflow", "node", "status")
	c.node.duration = n.histogram("attempt_duration_seconds", "Node attempt duration in seconds", durationBuckets, "workflow", "node")
	c.node.retries = n.counter("retries_total", "Scheduled node retries", "workflow", "node")
	c.node.circuitOpen = n.counter("circuit_open_total", "Nodes that exhausted their failure budget", "workflow", "node")

	ch := vecs{namespace, "cache"}
	c.cache.hits = ch.counter("hits_total", "Cache hits", "cache_type")
	c.cache.misses = ch.counter("misses_total", "Cache misses", "cache_type")

	d := vecs{namespace, "db"}
	c.db.open = d.gauge("connections_open", "Open database connections", "database")
	c.db.idle = d.gauge("connections_idle", "Idle database connections", "database")
	c.db.query = d.histogram("query_duration_seconds", "Database query duration in seconds", durationBuckets, "database", "operation")

	p := vecs{namespace, "pool"}
	c.poolDescs.workers = p.desc("workers", "Run pool concurrency limit")
	c.poolDescs.active = p.desc("active", "Run pool workers executing a run")
	c.poolDescs.queued = p.desc("queued", "Runs waiting for a pool worker")
	c.poolDescs.submitted = p.desc("submitted_total", "Runs accepted by the pool")
	c.poolDescs.completed = p.desc("completed_total", "Runs the pool finished")
	c.poolDescs.rejected = p.desc("rejected_total", "Runs rejected because the queue was full")

	c.members = []prometheus.Collector{
		c.http.requests, c.http.duration, c.http.reqSize, c.http.resSize,
		c.run.total, c.run.duration, c.run.inFlight,
		c.node.attempts, c.node.duration, c.node.retries, c.node.circuitOpen,
		c.cache.hits, c.cache.misses,
		c.db.open, c.db.idle, c.db.query,
	}

	if reg != nil {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return nil, errors.New("metrics: namespace " + namespace + " already registered")
			}
			return nil, err
		}
	}
	c.logger.Debug("metrics collector registered", zap.String("namespace", namespace))
	return c, nil
}

// WatchPool 在每次 scrape 时读取工作池快照
func (c *Collector) WatchPool(stats func() pool.Stats) {
	if stats == nil {
		c.poolStats.Store(nil)
		return
	}
	c.poolStats.Store(&stats)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.members {
		m.Describe(ch)
	}
	pd := c.poolDescs
	for _, d := range []*prometheus.Desc{pd.workers, pd.active, pd.queued, pd.submitted, pd.completed, pd.rejected} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.members {
		m.Collect(ch)
	}
	fn := c.poolStats.Load()
	if fn == nil {
		return
	}
	s := (*fn)()
	pd := c.poolDescs
	ch <- prometheus.MustNewConstMetric(pd.workers, prometheus.GaugeValue, float64(s.Workers))
	ch <- prometheus.MustNewConstMetric(pd.active, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(pd.queued, prometheus.GaugeValue, float64(s.Queued))
	ch <- prometheus.MustNewConstMetric(pd.submitted, prometheus.CounterValue, float64(s.Submitted))
	ch <- prometheus.MustNewConstMetric(pd.completed, prometheus.CounterValue, float64(s.Completed))
	ch <- prometheus.MustNewConstMetric(pd.rejected, prometheus.CounterValue, float64(s.Rejected))
}

// =============================================================================
// 记录方法
// =============================================================================

// RecordHTTPRequest 记录一次请求，path 应已归一化
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.http.requests.WithLabelValues(method, path, statusClass(status)).Inc()
	c.http.duration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.http.reqSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.http.resSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RunStarted 与 RunFinished 成对调用
func (c *Collector) RunStarted()  { c.run.inFlight.Inc() }
func (c *Collector) RunFinished() { c.run.inFlight.Dec() }

func (c *Collector) RecordRun(workflow, status string, duration time.Duration) {
	c.run.total.WithLabelValues(workflow, status).Inc()
	c.run.duration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordNodeAttempt 的 status 是尝试结束后的节点状态（succeeded、retrying、failed 等）
func (c *Collector) RecordNodeAttempt(workflow, node, status string, duration time.Duration) {
	c.node.attempts.WithLabelValues(workflow, node, status).Inc()
	c.node.duration.WithLabelValues(workflow, node).Observe(duration.Seconds())
}

func (c *Collector) RecordNodeRetry(workflow, node string) {
	c.node.retries.WithLabelValues(workflow, node).Inc()
}

func (c *Collector) RecordCircuitOpen(workflow, node string) {
	c.node.circuitOpen.WithLabelValues(workflow, node).Inc()
}

func (c *Collector) RecordCacheHit(cacheType string)  { c.cache.hits.WithLabelValues(cacheType).Inc() }
func (c *Collector) RecordCacheMiss(cacheType string) { c.cache.misses.WithLabelValues(cacheType).Inc() }

// RecordDBConnections 由连接池后台检测定期调用
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.db.open.WithLabelValues(database).Set(float64(open))
	c.db.idle.WithLabelValues(database).Set(float64(idle))
}

func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.db.query.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// statusClass 把状态码折叠为 2xx/3xx/4xx/5xx，控制标签基数
func statusClass(code int) string {
	if code < 200 || code > 599 {
		return "unknown"
	}
	return string(rune('0'+code/100)) + "xx"
}

var _ prometheus.Collector = (*Collector)(nil)
