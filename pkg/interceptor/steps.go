package interceptor

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/iptrack/pkg/storage"
)

// BlocklistStep blocks requests from listed IPs. When the blocklist cannot
// be read, the policy decides: FailOpen lets the request through,
// FailClosed blocks it.
type BlocklistStep struct {
	blocklist storage.Blocklist
	policy    string
	timeout   time.Duration
	logger    *log.Logger
}

func NewBlocklistStep(blocklist storage.Blocklist, policy string, timeout time.Duration, logger *log.Logger) *BlocklistStep {
	return &BlocklistStep{
		blocklist: blocklist,
		policy:    policy,
		timeout:   timeout,
		logger:    logger,
	}
}

func (s *BlocklistStep) Name() string { return "blocklist" }

// Guards reports true: a blocked client is refused on every path.
func (s *BlocklistStep) Guards() bool { return true }

func (s *BlocklistStep) Handle(ctx context.Context, req *Request) Action {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	blocked, err := s.blocklist.IsBlocked(ctx, req.IP)
	if err != nil {
		storeErrors.WithLabelValues("blocklist").Inc()
		s.logger.WithError(err).WithFields(log.Fields{
			"ip":     req.IP,
			"policy": s.policy,
		}).Warn("Blocklist lookup failed")

		if s.policy == FailClosed {
			return Block
		}
		return Continue
	}

	if blocked {
		return Block
	}
	return Continue
}

// GeoStep attaches the client location to the request.
type GeoStep struct {
	resolver Resolver
}

func NewGeoStep(resolver Resolver) *GeoStep {
	return &GeoStep{resolver: resolver}
}

func (s *GeoStep) Name() string { return "geolocation" }

func (s *GeoStep) Handle(ctx context.Context, req *Request) Action {
	req.Location = s.resolver.Resolve(ctx, req.IP)
	return Continue
}

// LogStep appends the request to the request log. A failed append is logged
// and never stops the request.
type LogStep struct {
	requestLog storage.RequestLog
	timeout    time.Duration
	logger     *log.Logger
}

func NewLogStep(requestLog storage.RequestLog, timeout time.Duration, logger *log.Logger) *LogStep {
	return &LogStep{
		requestLog: requestLog,
		timeout:    timeout,
		logger:     logger,
	}
}

func (s *LogStep) Name() string { return "requestlog" }

func (s *LogStep) Handle(ctx context.Context, req *Request) Action {
	// the entry must be written even if the client has gone away
	ctx, cancel := withTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	err := s.requestLog.Append(ctx, storage.RequestLogEntry{
		IP:        req.IP,
		Path:      req.Path,
		Timestamp: req.Time,
		Country:   req.Location.Country,
		City:      req.Location.City,
	})
	if err != nil {
		storeErrors.WithLabelValues("requestlog").Inc()
		s.logger.WithError(err).WithField("ip", req.IP).Warn("Failed to append request log entry")
	}
	return Continue
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
