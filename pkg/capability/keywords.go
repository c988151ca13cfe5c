package capability

// Keywords are the word lists used by the selection rules. Matching is on
// whole lower-cased word tokens, never substrings.
type Keywords struct {
	// Visual marks work on images, scans and other non-text inputs.
	Visual []string

	// UI marks user-facing interface work.
	UI []string

	// Architecture marks backend, data and security work.
	Architecture []string

	// Documentation marks prose deliverables.
	Documentation []string
}

// DefaultKeywords is the built-in keyword table.
//
//nolint:gochecknoglobals // read-only table
var DefaultKeywords = Keywords{
	Visual: []string{
		"image", "images", "screenshot", "screenshots", "diagram", "diagrams",
		"pdf", "chart", "charts", "video", "photo", "photos", "picture",
		"pictures", "figure", "figures", "scan", "scanned", "visual", "ocr",
	},
	UI: []string{
		"ui", "ux", "frontend", "interface", "component", "components", "layout",
		"css", "styling", "style", "button", "buttons", "page", "pages", "form",
		"forms", "responsive", "react", "vue", "html", "mockup", "wireframe",
		"dashboard", "modal", "accessibility",
	},
	Architecture: []string{
		"api", "apis", "database", "databases", "backend", "schema", "server",
		"migration", "migrations", "security", "architecture", "infrastructure",
		"endpoint", "endpoints", "auth", "authentication", "sql", "cache",
		"queue", "microservice", "microservices", "scalability", "protocol",
	},
	Documentation: []string{
		"readme", "docs", "documentation", "changelog", "guide", "tutorial",
		"manual", "faq", "article", "blog", "copy", "copywriting", "docstring",
		"docstrings",
	},
}
