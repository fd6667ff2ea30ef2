package useragent

import (
	"strings"

	"github.com/mssola/useragent"
)

// Unknown is the sentinel used for a browser or OS the classifier cannot name.
const Unknown = "Unknown"

// BotOS is reported as the operating system of crawlers and monitors.
const BotOS = "Bot"

// knownBots is checked in order; more specific signatures come first so that
// e.g. "googlebot" wins over the generic "bot".
var knownBots = []struct {
	signature string
	name      string
}{
	{"googlebot", "Googlebot"},
	{"bingbot", "Bingbot"},
	{"yandexbot", "YandexBot"},
	{"duckduckbot", "DuckDuckBot"},
	{"baiduspider", "Baiduspider"},
	{"bytespider", "ByteSpider"},
	{"petalbot", "PetalBot"},
	{"sogou", "Sogou"},
	{"facebookexternalhit", "Facebook"},
	{"facebot", "Facebook"},
	{"twitterbot", "Twitterbot"},
	{"linkedinbot", "LinkedInBot"},
	{"slurp", "Yahoo Slurp"},
	{"applebot", "Applebot"},
	{"gptbot", "GPTBot"},
	{"claudebot", "ClaudeBot"},
	{"ahrefsbot", "AhrefsBot"},
	{"semrushbot", "SemrushBot"},
	{"mj12bot", "MJ12Bot"},
	{"uptimerobot", "UptimeRobot"},
	{"pingdom", "Pingdom"},
	{"statuscake", "StatusCake"},
	{"crawler", "Unknown Crawler"},
	{"spider", "Unknown Spider"},
	{"bot", "Unknown Bot"},
}

// Classify maps a raw User-Agent header to a (browser, os) pair.
//
// It never fails: empty or unrecognised input yields (Unknown, Unknown).
// The result depends only on the input string, so re-running a rollup over the
// same raw rows always reproduces the same dimension tuples.
func Classify(raw string) (browser, os string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Unknown, Unknown
	}

	lowerUA := strings.ToLower(raw)
	ua := useragent.New(raw)

	if ua.Bot() || containsAny(lowerUA, "bot", "crawler", "spider", "crawl", "slurp") {
		return identifyBot(lowerUA), BotOS
	}

	name, _ := ua.Browser()
	browser = normalizeBrowserName(name, lowerUA)
	os = parseOS(ua.OS(), lowerUA)
	return browser, os
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func identifyBot(lowerUA string) string {
	for _, b := range knownBots {
		if strings.Contains(lowerUA, b.signature) {
			return b.name
		}
	}
	return "Unknown Bot"
}

func normalizeBrowserName(name, lowerUA string) string {
	// WeChat and QQ embed a WebKit/Chrome token, check them before the library's answer.
	switch {
	case strings.Contains(lowerUA, "micromessenger"):
		return "WeChat"
	case strings.Contains(lowerUA, "mqqbrowser"):
		return "QQ Browser"
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "chrome", "google chrome", "chromium":
		return "Chrome"
	case "firefox", "mozilla firefox":
		return "Firefox"
	case "safari", "mobile safari":
		return "Safari"
	case "edge", "microsoft edge":
		return "Edge"
	case "opera", "opera mini":
		return "Opera"
	case "ie", "internet explorer", "msie":
		return "Internet Explorer"
	case "samsung browser", "samsungbrowser":
		return "Samsung Browser"
	case "", "mozilla":
		return Unknown
	default:
		return name
	}
}

func parseOS(osInfo, lowerUA string) string {
	osLower := strings.ToLower(osInfo)

	switch {
	case strings.Contains(lowerUA, "iphone") || strings.Contains(lowerUA, "ipad") || strings.Contains(osLower, "ios"):
		return "iOS"
	case strings.Contains(osLower, "android"):
		return "Android"
	case strings.Contains(osLower, "windows"):
		return "Windows"
	case strings.Contains(osLower, "mac os") || strings.Contains(osLower, "macos") || strings.Contains(lowerUA, "macintosh"):
		return "macOS"
	case strings.Contains(osLower, "cros") || strings.Contains(lowerUA, "cros"):
		return "Chrome OS"
	case strings.Contains(osLower, "linux"):
		if strings.Contains(lowerUA, "ubuntu") {
			return "Ubuntu"
		}
		return "Linux"
	case osInfo == "":
		return Unknown
	}
	return osInfo
}
