package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidSubscribeURL(t *testing.T) {
	tests := []struct {
		url   string
		valid bool
	}{
		{"https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription&Token=abc", true},
		{"https://sns.eu-west-1.amazonaws.com/confirm", true},
		{"http://sns.us-east-1.amazonaws.com/confirm", false},
		{"https://evil.example.com/confirm", false},
		{"https://amazonaws.com.evil.example.com/confirm", false},
		{"https://169.254.169.254/latest/meta-data/", false},
		{"https://localhost:6379/", false},
		{"not a url", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.valid, validSubscribeURL(tt.url), "url %q", tt.url)
	}
}
