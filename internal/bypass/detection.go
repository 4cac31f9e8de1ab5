package bypass

import (
	"bytes"
	"net/http"
	"strings"
)

// Detector examines a response to determine whether a bot protection
// mechanism blocked or challenged the request instead of serving content.
type Detector func(status int, header http.Header, body []byte) (detected bool, source string)

// DefaultDetectors returns the standard detector chain.
func DefaultDetectors() []Detector {
	return []Detector{
		detectSmartCaptcha,
		detectCloudflare,
		detectDataDome,
		detectGenericDenial,
	}
}

// Detect runs the response through the detectors and returns the first hit.
func Detect(status int, header http.Header, body []byte, detectors []Detector) (bool, string) {
	for _, d := range detectors {
		if detected, source := d(status, header, body); detected {
			return true, source
		}
	}
	return false, ""
}

// detectSmartCaptcha looks for Yandex SmartCaptcha challenge pages, which
// arrive with status 200 and a challenge body rather than an error status.
func detectSmartCaptcha(status int, header http.Header, body []byte) (bool, string) {
	markers := [][]byte{
		[]byte("SmartCaptcha"),
		[]byte("showcaptcha"),
		[]byte("Доступ ограничен"),
		[]byte("Проверка браузера"),
	}
	for _, m := range markers {
		if bytes.Contains(body, m) {
			return true, "SmartCaptcha"
		}
	}
	return false, ""
}

// detectCloudflare looks for common Cloudflare challenge/block signatures.
func detectCloudflare(status int, header http.Header, body []byte) (bool, string) {
	if status != http.StatusForbidden && status != http.StatusServiceUnavailable {
		return false, ""
	}
	if strings.Contains(strings.ToLower(header.Get("Server")), "cloudflare") {
		return true, "Cloudflare"
	}
	if bytes.Contains(body, []byte("cf-browser-verification")) ||
		bytes.Contains(body, []byte("cf-turnstile")) ||
		bytes.Contains(body, []byte("Attention Required! | Cloudflare")) {
		return true, "Cloudflare"
	}
	return false, ""
}

// detectDataDome looks for DataDome challenge/block signatures.
func detectDataDome(status int, header http.Header, body []byte) (bool, string) {
	if status != http.StatusForbidden {
		return false, ""
	}
	if strings.Contains(strings.ToLower(header.Get("Server")), "datadome") ||
		header.Get("X-DataDome") != "" {
		return true, "DataDome"
	}
	if bytes.Contains(body, []byte("geo.captcha-delivery.com")) {
		return true, "DataDome"
	}
	return false, ""
}

// detectGenericDenial catches text-only denial pages that carry no vendor
// fingerprint.
func detectGenericDenial(status int, header http.Header, body []byte) (bool, string) {
	if status != http.StatusForbidden {
		return false, ""
	}
	if bytes.Contains(body, []byte("Access denied")) ||
		bytes.Contains(body, []byte("Access Denied")) {
		return true, "Generic"
	}
	return false, ""
}
