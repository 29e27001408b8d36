package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/vigil-io/vigil/internal/monitor"
)

const (
	defaultDNSTimeout = 5 * time.Second
	resolvConfPath    = "/etc/resolv.conf"
)

var dnsQueryTypes = map[string]uint16{
	"A":     dns.TypeA,
	"AAAA":  dns.TypeAAAA,
	"MX":    dns.TypeMX,
	"TXT":   dns.TypeTXT,
	"CNAME": dns.TypeCNAME,
	"NS":    dns.TypeNS,
	"SOA":   dns.TypeSOA,
	"PTR":   dns.TypePTR,
}

type dnsConfig struct {
	DNSServer   string   `json:"dns_server"`
	QueryType   string   `json:"query_type"`
	ExpectedIPs []string `json:"expected_ips"`
	SourceIP    string   `json:"source_ip"`
	Timeout     float64  `json:"timeout"` // seconds
}

// DNSExecutor resolves the check target and verifies that the answer set
// intersects the expected values. An explicit resolver address and a source
// IP bind are both optional; without a resolver the system configuration is
// used.
type DNSExecutor struct {
	logger *slog.Logger

	// systemServer is overridable in tests; defaults to resolv.conf lookup.
	systemServer func() (string, error)
}

var _ Executor = (*DNSExecutor)(nil)

// NewDNSExecutor builds the executor.
func NewDNSExecutor(logger *slog.Logger) *DNSExecutor {
	return &DNSExecutor{logger: logger, systemServer: systemResolver}
}

func systemResolver() (string, error) {
	conf, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", resolvConfPath, err)
	}

	if len(conf.Servers) == 0 {
		return "", fmt.Errorf("no nameservers in %s", resolvConfPath)
	}

	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

// Execute performs the probe.
func (e *DNSExecutor) Execute(ctx context.Context, check monitor.Check) *monitor.Result {
	var cfg dnsConfig
	if err := decodeData(check.Data, &cfg); err != nil {
		return configError(check.ID, err.Error())
	}

	if len(cfg.ExpectedIPs) == 0 {
		return configError(check.ID, "expected_ips must not be empty")
	}

	queryType := strings.ToUpper(cfg.QueryType)
	if queryType == "" {
		queryType = "A"
	}

	qtype, ok := dnsQueryTypes[queryType]
	if !ok {
		return configError(check.ID, fmt.Sprintf("unsupported query_type %q", cfg.QueryType))
	}

	client := &dns.Client{Timeout: timeoutSeconds(cfg.Timeout, defaultDNSTimeout)}

	serverLabel := "system"
	server := cfg.DNSServer

	if server == "" {
		resolved, err := e.systemServer()
		if err != nil {
			return monitor.ErrorResult(check.ID, "configuration_error",
				fmt.Sprintf("no resolver configured and system lookup failed: %v", err))
		}

		server = resolved
	} else {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}

		serverLabel = server
	}

	payload := map[string]any{
		"dns_server": serverLabel,
		"query_type": queryType,
	}

	if cfg.SourceIP != "" {
		ip := net.ParseIP(cfg.SourceIP)
		if ip == nil {
			result := monitor.ErrorResult(check.ID, "source_bind_failed",
				fmt.Sprintf("source_ip %q is not a valid IP address", cfg.SourceIP))
			mergePayload(result, payload)

			return result
		}

		client.Dialer = &net.Dialer{LocalAddr: &net.UDPAddr{IP: ip}}
		payload["source_address"] = cfg.SourceIP
	}

	name := check.Target
	if qtype == dns.TypePTR {
		reversed, err := dns.ReverseAddr(name)
		if err != nil {
			return configError(check.ID, fmt.Sprintf("target %q is not a valid address for PTR: %v", name, err))
		}

		name = reversed
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)

	response, rtt, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		if cancelled(ctx) {
			return nil
		}

		errorType := "no_answer"

		switch {
		case isTimeout(err):
			errorType = "timeout"
		case client.Dialer != nil && strings.Contains(err.Error(), "bind"):
			errorType = "source_bind_failed"
		}

		result := monitor.ErrorResult(check.ID, errorType, err.Error())
		mergePayload(result, payload)

		return result
	}

	payload["query_time_ms"] = rtt.Milliseconds()
	payload["response_code"] = dns.RcodeToString[response.Rcode]

	if response.Rcode == dns.RcodeNameError {
		result := monitor.ErrorResult(check.ID, "nxdomain",
			fmt.Sprintf("domain %s does not exist", check.Target))
		mergePayload(result, payload)

		return result
	}

	if response.Rcode != dns.RcodeSuccess {
		result := monitor.ErrorResult(check.ID, "no_answer",
			fmt.Sprintf("query returned %s", dns.RcodeToString[response.Rcode]))
		mergePayload(result, payload)

		return result
	}

	answers := answerValues(response.Answer, qtype)
	payload["rrset"] = answers

	if len(answers) == 0 {
		result := monitor.ErrorResult(check.ID, "no_answer",
			fmt.Sprintf("no %s records for %s", queryType, check.Target))
		mergePayload(result, payload)

		return result
	}

	if !intersects(answers, cfg.ExpectedIPs) {
		result := monitor.ErrorResult(check.ID, "resolution_mismatch",
			fmt.Sprintf("resolved set %v does not intersect expected %v", answers, cfg.ExpectedIPs))
		mergePayload(result, payload)

		return result
	}

	return monitor.OKResult(check.ID, payload)
}

// Close implements Executor; the DNS client holds no pooled resources.
func (e *DNSExecutor) Close() error { return nil }

// answerValues extracts comparable string values from answer records of the
// queried type.
func answerValues(answers []dns.RR, qtype uint16) []string {
	var values []string

	for _, rr := range answers {
		if rr.Header().Rrtype != qtype {
			continue
		}

		switch record := rr.(type) {
		case *dns.A:
			values = append(values, record.A.String())
		case *dns.AAAA:
			values = append(values, record.AAAA.String())
		case *dns.MX:
			values = append(values, strings.TrimSuffix(record.Mx, "."))
		case *dns.TXT:
			values = append(values, strings.Join(record.Txt, ""))
		case *dns.CNAME:
			values = append(values, strings.TrimSuffix(record.Target, "."))
		case *dns.NS:
			values = append(values, strings.TrimSuffix(record.Ns, "."))
		case *dns.SOA:
			values = append(values, strings.TrimSuffix(record.Ns, "."))
		case *dns.PTR:
			values = append(values, strings.TrimSuffix(record.Ptr, "."))
		}
	}

	return values
}

func intersects(got, expected []string) bool {
	want := make(map[string]bool, len(expected))
	for _, value := range expected {
		want[strings.TrimSuffix(strings.ToLower(value), ".")] = true
	}

	for _, value := range got {
		if want[strings.ToLower(value)] {
			return true
		}
	}

	return false
}

func mergePayload(result *monitor.Result, extra map[string]any) {
	for key, value := range extra {
		result.Payload[key] = value
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
