package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendCommandParse(t *testing.T) {
	words, text, err := sendCommandParse("all chat :Hello there: general")
	require.NoError(t, err)
	assert.Equal(t, []string{"all", "chat"}, words)
	assert.Equal(t, "Hello there: general", string(text))

	_, _, err = sendCommandParse("all chat Hello")
	assert.Error(t, err)
	_, _, err = sendCommandParse("chat :Hello")
	assert.Error(t, err)
}
