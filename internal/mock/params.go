package mock

// Event payloads, shaped like the browser's own.

type navigationInfo struct {
	Context    string `json:"context"`
	Navigation string `json:"navigation"`
	Timestamp  int64  `json:"timestamp"`
	URL        string `json:"url"`
}

type requestData struct {
	Request string `json:"request"`
	URL     string `json:"url"`
	Method  string `json:"method"`
}

type responseData struct {
	URL      string `json:"url"`
	Status   int    `json:"status"`
	MimeType string `json:"mimeType"`
}

type networkEvent struct {
	Context       string        `json:"context"`
	Navigation    *string       `json:"navigation"`
	RedirectCount int           `json:"redirectCount"`
	IsBlocked     bool          `json:"isBlocked"`
	Timestamp     int64         `json:"timestamp"`
	Request       requestData   `json:"request"`
	Response      *responseData `json:"response,omitempty"`
}

type logSource struct {
	Realm   string `json:"realm"`
	Context string `json:"context"`
}

type logEntry struct {
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Method    string    `json:"method"`
	Source    logSource `json:"source"`
	Text      string    `json:"text"`
	Timestamp int64     `json:"timestamp"`
}
