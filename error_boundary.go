package blockwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type ErrorKind string

const (
	ErrorKindNetwork     ErrorKind = "network"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindProtocol    ErrorKind = "protocol"
	ErrorKindRpc         ErrorKind = "rpc"
	ErrorKindApplication ErrorKind = "application"
	ErrorKindUnknown     ErrorKind = "unknown"
)

// the single place user-facing error copy comes from. Components
// surface raw errors; the boundary maps them to these categories.
func (self ErrorKind) UserMessage() string {
	switch self {
	case ErrorKindNetwork:
		return "Connection problem. Retrying in the background."
	case ErrorKindTimeout:
		return "The node is responding slowly. Retrying."
	case ErrorKindProtocol:
		return "Received an unexpected reply from the node."
	case ErrorKindRpc:
		return "The node rejected a request."
	case ErrorKindApplication:
		return "Something went wrong in the dashboard."
	default:
		return "An unexpected error occurred."
	}
}

func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}

	var rpcError *RpcError
	if errors.As(err, &rpcError) {
		return ErrorKindRpc
	}

	var protocolError *ProtocolError
	if errors.As(err, &protocolError) {
		return ErrorKindProtocol
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}
	var netError net.Error
	if errors.As(err, &netError) {
		if netError.Timeout() {
			return ErrorKindTimeout
		}
		return ErrorKindNetwork
	}

	var closeError *websocket.CloseError
	if errors.As(err, &closeError) {
		return ErrorKindNetwork
	}
	var opError *net.OpError
	if errors.As(err, &opError) {
		return ErrorKindNetwork
	}

	return ErrorKindUnknown
}

type ErrorRecord struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Context   string    `json:"context,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// repeats of the same (kind, message) within the dedupe window
	Count int `json:"count"`
}

type ErrorBoundarySettings struct {
	MaxRecords int
	// identical errors inside this window count as repeats
	DedupeWindow time.Duration
	// every Nth repeat re-notifies. First occurrence always notifies.
	RenotifyEvery int
	// optional remote log sink. Empty disables reporting.
	ReportUrl     string
	ReportTimeout time.Duration
	Clock         Clock
}

func DefaultErrorBoundarySettings() *ErrorBoundarySettings {
	return &ErrorBoundarySettings{
		MaxRecords:    100,
		DedupeWindow:  60 * time.Second,
		RenotifyEvery: 10,
		ReportUrl:     "",
		ReportTimeout: 5 * time.Second,
		Clock:         SystemClock(),
	}
}

type NotificationFunction = func(kind ErrorKind, userMessage string, count int)

type suppressRule struct {
	kind    ErrorKind
	pattern *regexp.Regexp
}

type errorCounter struct {
	count  int
	lastAt time.Time
}

type ErrorBoundaryStats struct {
	TotalCount      uint64
	NotifyCount     uint64
	SuppressedCount uint64
	DistinctCount   int
}

// process-wide failure sink. Every component reports here instead of
// inventing its own recovery or user messaging. Never fatal to the
// host process.
type ErrorBoundary struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ErrorBoundarySettings

	reportClient *http.Client

	notificationCallbacks *CallbackList[NotificationFunction]

	stateLock sync.Mutex
	// ring of recent records, oldest overwritten first
	records       []*ErrorRecord
	writePosition int
	totalWritten  uint64
	counters      map[string]*errorCounter
	suppressRules []*suppressRule
	stats         ErrorBoundaryStats
}

func NewErrorBoundaryWithDefaults(ctx context.Context) *ErrorBoundary {
	return NewErrorBoundary(ctx, DefaultErrorBoundarySettings())
}

func NewErrorBoundary(ctx context.Context, settings *ErrorBoundarySettings) *ErrorBoundary {
	cancelCtx, cancel := context.WithCancel(ctx)

	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.ReportTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.ReportTimeout,
	}

	return &ErrorBoundary{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		reportClient: &http.Client{
			Transport: transport,
			Timeout:   settings.ReportTimeout,
		},
		notificationCallbacks: NewCallbackList[NotificationFunction](),
		records:               make([]*ErrorRecord, settings.MaxRecords),
		counters:              map[string]*errorCounter{},
		suppressRules:         []*suppressRule{},
	}
}

func (self *ErrorBoundary) AddNotificationCallback(callback NotificationFunction) func() {
	callbackId := self.notificationCallbacks.Add(callback)
	return func() {
		self.notificationCallbacks.Remove(callbackId)
	}
}

// errors matching a rule are recorded but never surface to the user
func (self *ErrorBoundary) Suppress(kind ErrorKind, pattern string) error {
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.suppressRules = append(self.suppressRules, &suppressRule{
		kind:    kind,
		pattern: compiled,
	})
	return nil
}

func (self *ErrorBoundary) Handle(err error, errorContext string) {
	if err == nil {
		return
	}
	self.HandleKind(ClassifyError(err), err.Error(), errorContext)
}

// application errors routed through `Wrap` keep their kind explicitly
func (self *ErrorBoundary) HandleKind(kind ErrorKind, message string, errorContext string) {
	var record *ErrorRecord
	notify := false
	count := 0

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.stats.TotalCount += 1

		now := self.settings.Clock.Now()
		dedupeKey := fmt.Sprintf("%s|%s", kind, message)

		counter, ok := self.counters[dedupeKey]
		if !ok || self.settings.DedupeWindow < now.Sub(counter.lastAt) {
			counter = &errorCounter{}
			self.counters[dedupeKey] = counter
		}
		counter.count += 1
		counter.lastAt = now
		count = counter.count

		record = &ErrorRecord{
			Kind:      kind,
			Message:   message,
			Context:   errorContext,
			Timestamp: now,
			Count:     count,
		}
		self.records[self.writePosition] = record
		self.writePosition = (self.writePosition + 1) % len(self.records)
		self.totalWritten += 1

		suppressed := false
		for _, rule := range self.suppressRules {
			if rule.kind == kind && rule.pattern.MatchString(message) {
				suppressed = true
				break
			}
		}
		if suppressed {
			self.stats.SuppressedCount += 1
			return
		}

		if count == 1 {
			notify = true
		} else if 0 < self.settings.RenotifyEvery && count%self.settings.RenotifyEvery == 0 {
			notify = true
		}
		if notify {
			self.stats.NotifyCount += 1
		}
	}()

	glog.V(1).Infof("[eb]%s %s (%s) x%d\n", kind, message, errorContext, count)

	if notify {
		for _, callback := range self.notificationCallbacks.Get() {
			callback(kind, kind.UserMessage(), count)
		}
	}

	if self.settings.ReportUrl != "" {
		go self.report(record)
	}
}

// Wrap routes errors and panics from `fn` through the boundary. The
// error is still returned to the caller.
func (self *ErrorBoundary) Wrap(errorContext string, fn func() error) func() error {
	return func() (returnErr error) {
		HandleError(
			func() {
				returnErr = fn()
			},
			func(err error) {
				returnErr = err
			},
		)
		if returnErr != nil {
			kind := ClassifyError(returnErr)
			if kind == ErrorKindUnknown {
				kind = ErrorKindApplication
			}
			self.HandleKind(kind, returnErr.Error(), errorContext)
		}
		return
	}
}

func (self *ErrorBoundary) GetStats() ErrorBoundaryStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stats := self.stats
	stats.DistinctCount = len(self.counters)
	return stats
}

// most recent records, newest first
func (self *ErrorBoundary) Recent(n int) []*ErrorRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stored := int(self.totalWritten)
	if len(self.records) < stored {
		stored = len(self.records)
	}
	if stored < n {
		n = stored
	}

	recent := make([]*ErrorRecord, 0, n)
	for i := 1; i <= n; i += 1 {
		position := (self.writePosition - i + len(self.records)) % len(self.records)
		recent = append(recent, self.records[position])
	}
	return recent
}

// best effort. Failures here are logged and dropped, never re-handled.
func (self *ErrorBoundary) report(record *ErrorRecord) {
	recordBytes, err := json.Marshal(record)
	if err != nil {
		return
	}

	reportCtx, reportCancel := context.WithTimeout(self.ctx, self.settings.ReportTimeout)
	defer reportCancel()

	req, err := http.NewRequestWithContext(reportCtx, "POST", self.settings.ReportUrl, bytes.NewReader(recordBytes))
	if err != nil {
		return
	}
	req.Header.Add("Content-Type", "application/json")

	r, err := self.reportClient.Do(req)
	if err != nil {
		glog.V(1).Infof("[eb]report error = %s\n", err)
		return
	}
	r.Body.Close()
}

func (self *ErrorBoundary) Close() {
	self.cancel()
}
