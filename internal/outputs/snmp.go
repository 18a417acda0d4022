package outputs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/config"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

// SNMPOutput provides an SNMP agent for polling the latest snapshot,
// per-host request statistics and recently completed requests
type SNMPOutput struct {
	config  *config.SNMPConfig
	logger  *slog.Logger
	base    string
	mu      sync.RWMutex
	recent  []*models.NetworkRequestCompleted
	maxSize int
	done    chan struct{}
	wg      sync.WaitGroup

	// Latest performance snapshot and event counters
	snapshot        *models.PerformanceSnapshot
	snapshots       int64
	requestsStarted int64
	responses       int64

	// Per-host statistics; hostOrder keeps table indexes stable
	stats     map[string]*hostStats
	hostOrder []string

	// SNMP server
	snmpConn   *net.UDPConn
	decoder    *gosnmp.GoSNMP
	httpServer *http.Server

	// OID tree for scalar lookups
	oidTree map[string]oidHandler

	// Trap destinations
	trapDestinations []*gosnmp.GoSNMP
}

type hostStats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	LastSuccessTime    time.Time
	LastFailureTime    time.Time
	LastDurationMs     float64
	AvgDurationMs      float64
	MaxDurationMs      float64
	MinDurationMs      float64
	TotalBytes         float64
}

// oidHandler returns the type and value for a scalar OID
type oidHandler func() (gosnmp.Asn1BER, interface{})

// OID branches below the enterprise OID
const (
	// Branch 1: general counters, scalars .1.<n>.0
	generalBranch = ".1"

	// Branch 2: latest performance snapshot, scalars .2.<n>.0
	snapshotBranch = ".2"

	// Branch 3: per-host statistics table .3.<hostIndex>.<column>
	// 1 host, 2 total, 3 successful, 4 failed, 5 last duration (ms),
	// 6 avg duration, 7 min duration, 8 max duration,
	// 9 last success (unix), 10 last failure (unix)
	hostBranch  = ".3"
	hostColumns = 10

	// Branch 4: recently completed requests table .4.<index>.<column>
	// 1 url, 2 method, 3 status, 4 duration (ms), 5 size (bytes)
	recentBranch  = ".4"
	recentColumns = 5
)

// Trap types
const (
	trapRequestFailure  = 1
	trapServiceDegraded = 2
)

const snmpTrapOID = ".1.3.6.1.6.3.1.1.4.1.0"

// NewSNMPOutput creates a new SNMP agent
func NewSNMPOutput(cfg *config.SNMPConfig, logger *slog.Logger) (*SNMPOutput, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	s := newSNMPOutput(cfg, logger)

	if err := s.initializeTrapDestinations(); err != nil {
		s.logger.Warn("Failed to initialize trap destinations", "error", err)
	}

	if err := s.startSNMPServer(); err != nil {
		return nil, fmt.Errorf("failed to start SNMP server: %w", err)
	}

	// HTTP API for easier monitoring and debugging
	if err := s.startHTTPServer(); err != nil {
		s.logger.Warn("Failed to start SNMP HTTP API server", "error", err)
	}

	s.logger.Info("SNMP agent listening",
		"addr", fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.Port),
		"http_api", fmt.Sprintf("%s:%d/snmp/data", cfg.ListenAddress, cfg.Port+1),
		"enterprise_oid", s.base,
	)

	return s, nil
}

// newSNMPOutput builds the agent state without opening sockets
func newSNMPOutput(cfg *config.SNMPConfig, logger *slog.Logger) *SNMPOutput {
	if logger == nil {
		logger = slog.Default()
	}

	maxSize := cfg.RecentRequests
	if maxSize <= 0 {
		maxSize = 100
	}

	base := cfg.EnterpriseOID
	if !strings.HasPrefix(base, ".") {
		base = "." + base
	}

	s := &SNMPOutput{
		config:  cfg,
		logger:  logger,
		base:    base,
		recent:  make([]*models.NetworkRequestCompleted, 0, maxSize),
		maxSize: maxSize,
		done:    make(chan struct{}),
		stats:   make(map[string]*hostStats),
		oidTree: make(map[string]oidHandler),
		decoder: &gosnmp.GoSNMP{Version: gosnmp.Version2c, Community: cfg.Community},
	}

	s.initializeOIDTree()
	return s
}

func (s *SNMPOutput) scalarOID(branch string, n int) string {
	return fmt.Sprintf("%s%s.%d.0", s.base, branch, n)
}

// initializeOIDTree sets up the OID tree with handlers for all scalars
func (s *SNMPOutput) initializeOIDTree() {
	counter := func(read func() int64) oidHandler {
		return func() (gosnmp.Asn1BER, interface{}) {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return gosnmp.Counter64, uint64(read())
		}
	}

	// General statistics
	s.oidTree[s.scalarOID(generalBranch, 1)] = func() (gosnmp.Asn1BER, interface{}) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return gosnmp.Integer, len(s.recent)
	}
	s.oidTree[s.scalarOID(generalBranch, 2)] = func() (gosnmp.Asn1BER, interface{}) {
		return gosnmp.Integer, s.maxSize
	}
	s.oidTree[s.scalarOID(generalBranch, 3)] = func() (gosnmp.Asn1BER, interface{}) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return gosnmp.Integer, len(s.stats)
	}
	s.oidTree[s.scalarOID(generalBranch, 4)] = counter(func() int64 { return s.sumStats(func(h *hostStats) int64 { return h.TotalRequests }) })
	s.oidTree[s.scalarOID(generalBranch, 5)] = counter(func() int64 { return s.sumStats(func(h *hostStats) int64 { return h.SuccessfulRequests }) })
	s.oidTree[s.scalarOID(generalBranch, 6)] = counter(func() int64 { return s.sumStats(func(h *hostStats) int64 { return h.FailedRequests }) })
	s.oidTree[s.scalarOID(generalBranch, 7)] = counter(func() int64 { return s.snapshots })
	s.oidTree[s.scalarOID(generalBranch, 8)] = counter(func() int64 { return s.requestsStarted })
	s.oidTree[s.scalarOID(generalBranch, 9)] = counter(func() int64 { return s.responses })

	// Latest snapshot; durations are exported in milliseconds
	snapshotValue := func(read func(*models.PerformanceSnapshot) *float64, scale float64) oidHandler {
		return func() (gosnmp.Asn1BER, interface{}) {
			s.mu.RLock()
			defer s.mu.RUnlock()
			if s.snapshot == nil {
				return gosnmp.Gauge32, uint(0)
			}
			v := read(s.snapshot)
			if v == nil {
				return gosnmp.Gauge32, uint(0)
			}
			return gosnmp.Gauge32, gauge32(*v * scale)
		}
	}

	s.oidTree[s.scalarOID(snapshotBranch, 1)] = snapshotValue(func(p *models.PerformanceSnapshot) *float64 { return p.JSHeapUsedSize }, 1)
	s.oidTree[s.scalarOID(snapshotBranch, 2)] = snapshotValue(func(p *models.PerformanceSnapshot) *float64 { return p.JSHeapTotalSize }, 1)
	s.oidTree[s.scalarOID(snapshotBranch, 3)] = snapshotValue(func(p *models.PerformanceSnapshot) *float64 { return p.DOMNodes }, 1)
	s.oidTree[s.scalarOID(snapshotBranch, 4)] = snapshotValue(func(p *models.PerformanceSnapshot) *float64 { return p.LayoutCount }, 1)
	s.oidTree[s.scalarOID(snapshotBranch, 5)] = snapshotValue(func(p *models.PerformanceSnapshot) *float64 { return p.ScriptDuration }, 1000)
	s.oidTree[s.scalarOID(snapshotBranch, 6)] = snapshotValue(func(p *models.PerformanceSnapshot) *float64 { return p.TaskDuration }, 1000)
	s.oidTree[s.scalarOID(snapshotBranch, 7)] = func() (gosnmp.Asn1BER, interface{}) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.snapshot == nil {
			return gosnmp.Counter64, uint64(0)
		}
		return gosnmp.Counter64, uint64(s.snapshot.Timestamp / 1000)
	}
}

// sumStats must be called with s.mu held
func (s *SNMPOutput) sumStats(field func(*hostStats) int64) int64 {
	var total int64
	for _, st := range s.stats {
		total += field(st)
	}
	return total
}

// gauge32 clamps a float into the Gauge32 range
func gauge32(v float64) uint {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint(v)
}

// initializeTrapDestinations builds one trap sender per configured host:port
func (s *SNMPOutput) initializeTrapDestinations() error {
	s.trapDestinations = make([]*gosnmp.GoSNMP, 0, len(s.config.TrapDestinations))

	var errs []error
	for _, dest := range s.config.TrapDestinations {
		host, portStr, err := net.SplitHostPort(dest)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dest, err))
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dest, err))
			continue
		}

		sender := &gosnmp.GoSNMP{
			Target:    host,
			Port:      uint16(port),
			Community: s.config.Community,
			Version:   gosnmp.Version2c,
			Timeout:   2 * time.Second,
			Retries:   1,
		}
		if err := sender.Connect(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dest, err))
			continue
		}
		s.trapDestinations = append(s.trapDestinations, sender)
	}

	return errors.Join(errs...)
}

// startSNMPServer starts the SNMP UDP server
func (s *SNMPOutput) startSNMPServer() error {
	addr := fmt.Sprintf("%s:%d", s.config.ListenAddress, s.config.Port)
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	s.serve(conn)
	return nil
}

// serve starts the packet handler on an open socket
func (s *SNMPOutput) serve(conn *net.UDPConn) {
	s.snmpConn = conn
	s.wg.Add(1)
	go s.handleSNMPPackets()
}

// handleSNMPPackets processes incoming SNMP requests
func (s *SNMPOutput) handleSNMPPackets() {
	defer s.wg.Done()
	defer s.snmpConn.Close()

	buffer := make([]byte, 65535)

	for {
		select {
		case <-s.done:
			return
		default:
			// Set read deadline to allow checking done channel
			s.snmpConn.SetReadDeadline(time.Now().Add(1 * time.Second))

			n, remoteAddr, err := s.snmpConn.ReadFromUDP(buffer)
			if err != nil {
				// Timeout is expected, continue
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				s.logger.Debug("SNMP read error", "error", err)
				continue
			}

			packet := make([]byte, n)
			copy(packet, buffer[:n])
			go s.processSNMPPacket(packet, remoteAddr)
		}
	}
}

// processSNMPPacket handles a single SNMP request
func (s *SNMPOutput) processSNMPPacket(data []byte, remoteAddr *net.UDPAddr) {
	packet, err := s.decoder.SnmpDecodePacket(data)
	if err != nil {
		s.logger.Debug("Failed to decode SNMP packet", "remote", remoteAddr.String(), "error", err)
		return
	}

	if packet.Community != s.config.Community {
		s.logger.Warn("SNMP request with invalid community", "remote", remoteAddr.String())
		return
	}

	response := s.respond(packet)
	if response == nil {
		s.logger.Debug("Unsupported SNMP PDU type", "type", packet.PDUType)
		return
	}

	responseData, err := response.MarshalMsg()
	if err != nil {
		s.logger.Warn("Failed to marshal SNMP response", "error", err)
		return
	}

	if _, err := s.snmpConn.WriteToUDP(responseData, remoteAddr); err != nil {
		s.logger.Warn("Failed to send SNMP response", "remote", remoteAddr.String(), "error", err)
	}
}

// respond builds the response for GET, GETNEXT and GETBULK; nil otherwise
func (s *SNMPOutput) respond(packet *gosnmp.SnmpPacket) *gosnmp.SnmpPacket {
	response := &gosnmp.SnmpPacket{
		Version:   packet.Version,
		Community: packet.Community,
		PDUType:   gosnmp.GetResponse,
		RequestID: packet.RequestID,
		Variables: make([]gosnmp.SnmpPDU, 0, len(packet.Variables)),
	}

	switch packet.PDUType {
	case gosnmp.GetRequest:
		for _, reqVar := range packet.Variables {
			response.Variables = append(response.Variables, s.getOIDValue(reqVar.Name))
		}

	case gosnmp.GetNextRequest:
		for _, reqVar := range packet.Variables {
			response.Variables = append(response.Variables, s.getNextOID(reqVar.Name))
		}

	case gosnmp.GetBulkRequest:
		maxReps := packet.MaxRepetitions
		if maxReps == 0 {
			maxReps = 10
		}
		for _, reqVar := range packet.Variables {
			currentOID := reqVar.Name
			for i := uint32(0); i < maxReps; i++ {
				pdu := s.getNextOID(currentOID)
				if pdu.Type == gosnmp.EndOfMibView {
					break
				}
				response.Variables = append(response.Variables, pdu)
				currentOID = pdu.Name
			}
		}

	default:
		return nil
	}

	return response
}

func noSuchInstance(oid string) gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.NoSuchInstance, Value: nil}
}

// getOIDValue retrieves the value for a specific OID
func (s *SNMPOutput) getOIDValue(oid string) gosnmp.SnmpPDU {
	if !strings.HasPrefix(oid, ".") {
		oid = "." + oid
	}

	if handler, exists := s.oidTree[oid]; exists {
		pduType, value := handler()
		return gosnmp.SnmpPDU{Name: oid, Type: pduType, Value: value}
	}

	if strings.HasPrefix(oid, s.base+hostBranch+".") {
		return s.getHostStatsOID(oid)
	}

	if strings.HasPrefix(oid, s.base+recentBranch+".") {
		return s.getRecentRequestOID(oid)
	}

	return noSuchInstance(oid)
}

// getNextOID finds the next OID in the tree
func (s *SNMPOutput) getNextOID(oid string) gosnmp.SnmpPDU {
	for _, nextOID := range s.getAllOIDs() {
		if oidCompare(oid, nextOID) < 0 {
			return s.getOIDValue(nextOID)
		}
	}

	return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.EndOfMibView, Value: nil}
}

// getAllOIDs returns all available OIDs in sorted order
func (s *SNMPOutput) getAllOIDs() []string {
	s.mu.RLock()
	hosts := len(s.hostOrder)
	recent := len(s.recent)
	s.mu.RUnlock()

	oids := make([]string, 0, len(s.oidTree)+hosts*hostColumns+recent*recentColumns)

	for oid := range s.oidTree {
		oids = append(oids, oid)
	}

	for i := 1; i <= hosts; i++ {
		for column := 1; column <= hostColumns; column++ {
			oids = append(oids, fmt.Sprintf("%s%s.%d.%d", s.base, hostBranch, i, column))
		}
	}

	for i := 1; i <= recent; i++ {
		for column := 1; column <= recentColumns; column++ {
			oids = append(oids, fmt.Sprintf("%s%s.%d.%d", s.base, recentBranch, i, column))
		}
	}

	sortOIDs(oids)
	return oids
}

// tableIndex parses <index>.<column> below a table prefix
func tableIndex(oid, prefix string) (index, column int, ok bool) {
	parts := strings.Split(strings.TrimPrefix(oid, prefix+"."), ".")
	if len(parts) != 2 {
		return 0, 0, false
	}

	index, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}

	column, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}

	return index, column, true
}

// getHostStatsOID retrieves a per-host statistics cell
func (s *SNMPOutput) getHostStatsOID(oid string) gosnmp.SnmpPDU {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, column, ok := tableIndex(oid, s.base+hostBranch)
	if !ok || index < 1 || index > len(s.hostOrder) {
		return noSuchInstance(oid)
	}

	host := s.hostOrder[index-1]
	st := s.stats[host]

	switch column {
	case 1:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.OctetString, Value: host}
	case 2:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Counter64, Value: uint64(st.TotalRequests)}
	case 3:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Counter64, Value: uint64(st.SuccessfulRequests)}
	case 4:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Counter64, Value: uint64(st.FailedRequests)}
	case 5:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Gauge32, Value: gauge32(st.LastDurationMs)}
	case 6:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Gauge32, Value: gauge32(st.AvgDurationMs)}
	case 7:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Gauge32, Value: gauge32(st.MinDurationMs)}
	case 8:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Gauge32, Value: gauge32(st.MaxDurationMs)}
	case 9:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Counter64, Value: unixSeconds(st.LastSuccessTime)}
	case 10:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Counter64, Value: unixSeconds(st.LastFailureTime)}
	default:
		return noSuchInstance(oid)
	}
}

func unixSeconds(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())
}

// getRecentRequestOID retrieves a recently completed request cell
func (s *SNMPOutput) getRecentRequestOID(oid string) gosnmp.SnmpPDU {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, column, ok := tableIndex(oid, s.base+recentBranch)
	if !ok || index < 1 || index > len(s.recent) {
		return noSuchInstance(oid)
	}

	r := s.recent[index-1]

	switch column {
	case 1:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.OctetString, Value: r.URL}
	case 2:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.OctetString, Value: r.Method}
	case 3:
		status := 0
		if r.Status != nil {
			status = *r.Status
		}
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Integer, Value: status}
	case 4:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Gauge32, Value: gauge32(r.DurationMs)}
	case 5:
		return gosnmp.SnmpPDU{Name: oid, Type: gosnmp.Gauge32, Value: gauge32(r.SizeBytes)}
	default:
		return noSuchInstance(oid)
	}
}

// oidCompare compares two OIDs lexicographically
func oidCompare(oid1, oid2 string) int {
	oid1 = strings.TrimPrefix(oid1, ".")
	oid2 = strings.TrimPrefix(oid2, ".")

	parts1 := strings.Split(oid1, ".")
	parts2 := strings.Split(oid2, ".")

	for i := 0; i < len(parts1) && i < len(parts2); i++ {
		n1, _ := strconv.Atoi(parts1[i])
		n2, _ := strconv.Atoi(parts2[i])

		if n1 < n2 {
			return -1
		} else if n1 > n2 {
			return 1
		}
	}

	if len(parts1) < len(parts2) {
		return -1
	} else if len(parts1) > len(parts2) {
		return 1
	}

	return 0
}

// sortOIDs sorts OIDs in lexicographic order
func sortOIDs(oids []string) {
	sort.Slice(oids, func(i, j int) bool {
		return oidCompare(oids[i], oids[j]) < 0
	})
}

// startHTTPServer starts an HTTP API server for easier SNMP data access
func (s *SNMPOutput) startHTTPServer() error {
	addr := fmt.Sprintf("%s:%d", s.config.ListenAddress, s.config.Port+1)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.httpHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("SNMP HTTP server error", "error", err)
		}
	}()

	return nil
}

func (s *SNMPOutput) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/snmp/data", s.handleSNMPDataRequest)
	mux.HandleFunc("/snmp/mib", s.handleMIBRequest)
	mux.HandleFunc("/snmp/oids", s.handleOIDListRequest)
	return mux
}

// handleSNMPDataRequest serves the agent data as JSON
func (s *SNMPOutput) handleSNMPDataRequest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.GetSNMPData(), s.logger)
}

// handleMIBRequest serves the MIB summary
func (s *SNMPOutput) handleMIBRequest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, s.ExportMIBData())
}

// handleOIDListRequest serves the list of available OIDs
func (s *SNMPOutput) handleOIDListRequest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.getAllOIDs(), s.logger)
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Error encoding JSON response", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// requestHost names the host a request went to, falling back to the raw URL
func requestHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// Write updates counters, the latest snapshot and the per-host tables
func (s *SNMPOutput) Write(event *models.TelemetryEvent) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Kind {
	case models.KindPerformance:
		s.snapshot = event.Performance
		s.snapshots++
	case models.KindNetworkRequest:
		s.requestsStarted++
	case models.KindNetworkResponse:
		s.responses++
	case models.KindNetworkComplete:
		s.recordCompleted(event.Completed)
	}

	return nil
}

// recordCompleted must be called with s.mu held
func (s *SNMPOutput) recordCompleted(c *models.NetworkRequestCompleted) {
	// Circular buffer of recent requests
	if len(s.recent) >= s.maxSize {
		s.recent = s.recent[1:]
	}
	s.recent = append(s.recent, c)

	host := requestHost(c.URL)
	st, exists := s.stats[host]
	if !exists {
		st = &hostStats{
			MinDurationMs: c.DurationMs,
			MaxDurationMs: c.DurationMs,
		}
		s.stats[host] = st
		s.hostOrder = append(s.hostOrder, host)
	}

	now := time.Now()
	st.TotalRequests++
	st.LastDurationMs = c.DurationMs
	st.TotalBytes += c.SizeBytes

	if c.Status != nil && *c.Status >= 400 {
		st.FailedRequests++
		st.LastFailureTime = now

		// Send trap for request failure (async, don't block)
		go s.sendRequestFailureTrap(host, c)
	} else {
		st.SuccessfulRequests++
		st.LastSuccessTime = now
	}

	if c.DurationMs < st.MinDurationMs {
		st.MinDurationMs = c.DurationMs
	}
	if c.DurationMs > st.MaxDurationMs {
		st.MaxDurationMs = c.DurationMs
	}

	// Running average
	st.AvgDurationMs = (st.AvgDurationMs*float64(st.TotalRequests-1) + c.DurationMs) / float64(st.TotalRequests)

	// High failure rate for a host
	if st.TotalRequests > 10 {
		failureRate := float64(st.FailedRequests) / float64(st.TotalRequests)
		if failureRate > 0.5 {
			go s.sendServiceDegradedTrap(host, failureRate)
		}
	}
}

// GetRecentRequests returns the cached completed requests, oldest first
func (s *SNMPOutput) GetRecentRequests() []*models.NetworkRequestCompleted {
	s.mu.RLock()
	defer s.mu.RUnlock()

	requests := make([]*models.NetworkRequestCompleted, len(s.recent))
	copy(requests, s.recent)
	return requests
}

// GetHostStats returns a copy of the statistics for one host
func (s *SNMPOutput) GetHostStats(host string) *hostStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, exists := s.stats[host]; exists {
		statsCopy := *st
		return &statsCopy
	}
	return nil
}

// GetAllStats returns statistics for all hosts
func (s *SNMPOutput) GetAllStats() map[string]*hostStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statsCopy := make(map[string]*hostStats, len(s.stats))
	for host, st := range s.stats {
		stats := *st
		statsCopy[host] = &stats
	}
	return statsCopy
}

// GetSNMPData returns the agent data as a JSON-friendly map
func (s *SNMPOutput) GetSNMPData() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := make(map[string]interface{})

	data["recent_requests"] = len(s.recent)
	data["recent_max_size"] = s.maxSize
	data["monitored_hosts"] = len(s.stats)
	data["snapshots"] = s.snapshots
	data["requests_started"] = s.requestsStarted
	data["responses"] = s.responses
	if s.snapshot != nil {
		data["latest_snapshot"] = s.snapshot
	}

	hosts := make(map[string]interface{})
	for host, st := range s.stats {
		hosts[host] = map[string]interface{}{
			"total_requests":      st.TotalRequests,
			"successful_requests": st.SuccessfulRequests,
			"failed_requests":     st.FailedRequests,
			"last_success_time":   unixSeconds(st.LastSuccessTime),
			"last_failure_time":   unixSeconds(st.LastFailureTime),
			"last_duration_ms":    st.LastDurationMs,
			"avg_duration_ms":     st.AvgDurationMs,
			"max_duration_ms":     st.MaxDurationMs,
			"min_duration_ms":     st.MinDurationMs,
			"total_bytes":         st.TotalBytes,
		}
	}
	data["hosts"] = hosts

	return data
}

// SendTrap sends an SNMP trap to every configured destination
func (s *SNMPOutput) SendTrap(trapType int, message string) error {
	if s == nil || len(s.trapDestinations) == 0 {
		return nil
	}

	trap := gosnmp.SnmpTrap{
		Variables: []gosnmp.SnmpPDU{
			{Name: snmpTrapOID, Type: gosnmp.ObjectIdentifier, Value: fmt.Sprintf("%s.0.%d", s.base, trapType)},
			{Name: s.base + ".0.1", Type: gosnmp.OctetString, Value: message},
		},
	}

	var errs []error
	for _, dest := range s.trapDestinations {
		if _, err := dest.SendTrap(trap); err != nil {
			s.logger.Warn("Failed to send SNMP trap", "target", dest.Target, "error", err)
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("SNMP trap sent", "target", dest.Target, "message", message)
	}

	return errors.Join(errs...)
}

// sendRequestFailureTrap sends a trap when a request completes with an error status
func (s *SNMPOutput) sendRequestFailureTrap(host string, c *models.NetworkRequestCompleted) {
	if len(s.trapDestinations) == 0 {
		return
	}

	message := fmt.Sprintf("Request failure for %s: %s %s returned %d", host, c.Method, c.URL, *c.Status)
	s.SendTrap(trapRequestFailure, message)
}

// sendServiceDegradedTrap sends a trap when a host has a high failure rate
func (s *SNMPOutput) sendServiceDegradedTrap(host string, failureRate float64) {
	if len(s.trapDestinations) == 0 {
		return
	}

	message := fmt.Sprintf("Service degraded for %s: %.1f%% failure rate", host, failureRate*100)
	s.SendTrap(trapServiceDegraded, message)
}

// ExportMIBData exports the current state in a MIB-like text format
func (s *SNMPOutput) ExportMIBData() string {
	data := s.GetSNMPData()

	var b strings.Builder
	fmt.Fprintf(&b, `
-- WebView Telemetry MIB (Simplified)
-- Enterprise OID: %s

Recent Requests: %v
Max Recent Requests: %v
Monitored Hosts: %v
Snapshots: %v

Per-Host Statistics:
`, s.base, data["recent_requests"], data["recent_max_size"], data["monitored_hosts"], data["snapshots"])

	hosts, _ := data["hosts"].(map[string]interface{})
	names := make([]string, 0, len(hosts))
	for host := range hosts {
		names = append(names, host)
	}
	sort.Strings(names)

	for _, host := range names {
		statsMap, ok := hosts[host].(map[string]interface{})
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\nHost: %s\n", host)
		fmt.Fprintf(&b, "  Total Requests: %v\n", statsMap["total_requests"])
		fmt.Fprintf(&b, "  Successful: %v\n", statsMap["successful_requests"])
		fmt.Fprintf(&b, "  Failed: %v\n", statsMap["failed_requests"])
		fmt.Fprintf(&b, "  Avg Duration: %.2f ms\n", statsMap["avg_duration_ms"])
	}

	return b.String()
}

// Name returns the output module name
func (s *SNMPOutput) Name() string {
	return "snmp"
}

// Close shuts down the SNMP agent
func (s *SNMPOutput) Close() error {
	if s == nil {
		return nil
	}

	s.logger.Info("Shutting down SNMP agent")

	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("Error shutting down SNMP HTTP server", "error", err)
		}
	}

	// Wait for the packet handler to finish
	s.wg.Wait()

	for _, dest := range s.trapDestinations {
		if dest.Conn != nil {
			dest.Conn.Close()
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, host := range s.hostOrder {
		st := s.stats[host]
		s.logger.Info("SNMP host statistics",
			"host", host,
			"requests", st.TotalRequests,
			"successful", st.SuccessfulRequests,
			"failed", st.FailedRequests,
			"avg_duration_ms", st.AvgDurationMs,
		)
	}

	return nil
}
