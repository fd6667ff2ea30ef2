package ingest

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/puyujian/xhs-kapian-sub000/internal/country"
	"github.com/puyujian/xhs-kapian-sub000/internal/metrics"
	"github.com/puyujian/xhs-kapian-sub000/internal/storage"
)

// VisitWriter appends raw visits.
type VisitWriter interface {
	InsertVisit(ctx context.Context, v storage.Visit) error
}

// CountryResolver maps a client IP to an ISO country code, or "" if unknown.
type CountryResolver interface {
	Country(ip string) string
}

// Hit is one redirect request as seen by the HTTP layer.
type Hit struct {
	RedirectID int64
	At         time.Time
	RemoteAddr string
	UserAgent  string
	Referer    string
	// Country is an optional edge-provided code (e.g. CF-IPCountry). When
	// empty the resolver is consulted.
	Country string
}

// Options configures a Recorder.
type Options struct {
	// AnonymizeIP zeroes the host part of stored addresses. GeoIP resolution
	// still uses the full address.
	AnonymizeIP bool
}

// Recorder is the ingestion write path: it turns a Hit into one row of the
// raw visit log.
type Recorder struct {
	store   VisitWriter
	geo     CountryResolver
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
}

// NewRecorder creates a Recorder. geo and m may be nil.
func NewRecorder(store VisitWriter, geo CountryResolver, m *metrics.Metrics, opts Options) *Recorder {
	return &Recorder{
		store:   store,
		geo:     geo,
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}
}

// Record appends the visit described by h.
func (r *Recorder) Record(ctx context.Context, h Hit) error {
	ip := normalizeIP(h.RemoteAddr)

	code := h.Country
	if strings.TrimSpace(code) == "" && r.geo != nil {
		code = r.geo.Country(ip)
	}

	stored := ip
	if r.opts.AnonymizeIP {
		stored = anonymizeIP(ip)
	}

	at := h.At
	if at.IsZero() {
		at = r.now()
	}

	err := r.store.InsertVisit(ctx, storage.Visit{
		RedirectID: h.RedirectID,
		Timestamp:  at.UTC(),
		IP:         stored,
		UserAgent:  h.UserAgent,
		Referer:    h.Referer,
		Country:    country.Normalize(code),
	})
	r.metrics.RecordVisit(err)
	if err != nil {
		return fmt.Errorf("record visit for redirect %d: %w", h.RedirectID, err)
	}
	return nil
}

func normalizeIP(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		return ""
	}
	if strings.Contains(remoteAddr, ":") {
		host, _, err := net.SplitHostPort(remoteAddr)
		if err == nil {
			return host
		}
	}
	return remoteAddr
}

func anonymizeIP(ip string) string {
	if ip == "" {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		v4[3] = 0
		return v4.String()
	}
	// keep the /48 network
	masked := parsed.Mask(net.CIDRMask(48, 128))
	return masked.String()
}
