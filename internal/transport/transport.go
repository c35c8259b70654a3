// Package transport holds the outbound mail provider adapters.
package transport

// Message is one rendered email to one recipient.
type Message struct {
	To      string
	Subject string
	Body    string
	// Tags are passed through to providers that support message tagging so
	// callbacks can be traced back to a delivery.
	Tags map[string]string
}
