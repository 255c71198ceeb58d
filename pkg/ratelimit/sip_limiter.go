package ratelimit

import (
	"net"
	"strings"

	"voice-gateway/pkg/config"
	"voice-gateway/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// SIPLimiter admits new INVITEs per source IP. In-dialog requests are never limited.
type SIPLimiter struct {
	invites         *Limiter
	logger          *logrus.Logger
	whitelistedIPs  map[string]bool
	whitelistedNets []*net.IPNet
}

// NewSIPLimiter builds the admission limiter from the SIP configuration.
// A non-positive rate disables limiting.
func NewSIPLimiter(cfg config.SIPConfig, whitelist []string, logger *logrus.Logger) *SIPLimiter {
	s := &SIPLimiter{
		logger:         logger,
		whitelistedIPs: make(map[string]bool),
	}
	if cfg.InviteRateLimit > 0 {
		s.invites = NewLimiter(cfg.InviteRateLimit, cfg.InviteBurst, logger)
	}

	for _, ip := range whitelist {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if strings.Contains(ip, "/") {
			if _, ipNet, err := net.ParseCIDR(ip); err == nil {
				s.whitelistedNets = append(s.whitelistedNets, ipNet)
			}
			continue
		}
		s.whitelistedIPs[ip] = true
	}

	logger.WithFields(logrus.Fields{
		"invite_rps":   cfg.InviteRateLimit,
		"invite_burst": cfg.InviteBurst,
		"whitelisted":  len(s.whitelistedIPs) + len(s.whitelistedNets),
	}).Info("SIP rate limiter initialized")

	return s
}

// AllowINVITE reports whether a new call from clientIP may be admitted
func (s *SIPLimiter) AllowINVITE(clientIP string) bool {
	if s == nil || s.invites == nil || s.isWhitelisted(clientIP) {
		return true
	}

	if s.invites.Allow(clientIP) {
		return true
	}

	metrics.RecordSIPRateLimited()
	s.logger.WithField("client_ip", clientIP).Warn("SIP INVITE rate limit exceeded")
	return false
}

// Stop releases the background cleanup
func (s *SIPLimiter) Stop() {
	if s != nil && s.invites != nil {
		s.invites.Stop()
	}
}

func (s *SIPLimiter) isWhitelisted(ip string) bool {
	if s.whitelistedIPs[ip] {
		return true
	}

	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}
	for _, ipNet := range s.whitelistedNets {
		if ipNet.Contains(parsedIP) {
			return true
		}
	}
	return false
}
