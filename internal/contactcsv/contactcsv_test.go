package contactcsv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidCSV(t *testing.T) {
	data := []byte("phone,name,offer\n919876543210,Asha,Diwali\n919876543211,Ravi,Holi\n")

	result, err := Parse(data, "91", 12)
	require.NoError(t, err)

	assert.Equal(t, 2, result.ValidCount)
	assert.Equal(t, 0, result.InvalidCount)
	require.Len(t, result.Contacts, 2)

	assert.Equal(t, "919876543210", result.Contacts[0].PhoneNumber)
	assert.Equal(t, "Asha", result.Contacts[0].Variables["name"])
	assert.Equal(t, "Diwali", result.Contacts[0].Variables["offer"])
}

func TestParsePhoneValidation(t *testing.T) {
	data := []byte("phone,name\n" +
		"919876543210,ok\n" +
		"9198765,short\n" +
		"12345678901234,long\n" +
		"19876543210,wrongprefix\n")

	result, err := Parse(data, "91", 12)
	require.NoError(t, err)

	assert.Equal(t, 1, result.ValidCount)
	assert.Equal(t, 3, result.InvalidCount)

	require.Len(t, result.Contacts, 4)
	assert.True(t, result.Contacts[0].IsValid)

	// The three invalid rows must carry distinct reasons
	reasons := map[string]bool{}
	for _, c := range result.Contacts[1:] {
		assert.False(t, c.IsValid)
		assert.NotEmpty(t, c.InvalidReason)
		reasons[c.InvalidReason] = true
	}
	assert.Len(t, reasons, 3)
}

func TestParseStripsNonDigits(t *testing.T) {
	data := []byte("phone\n+91 98765-43210\n")

	result, err := Parse(data, "91", 12)
	require.NoError(t, err)
	require.Equal(t, 1, result.ValidCount)
	assert.Equal(t, "919876543210", result.Contacts[0].PhoneNumber)
}

func TestParseSkipsEmptyRows(t *testing.T) {
	data := []byte("phone,name\n919876543210,Asha\n,\n\n919876543211,Ravi\n")

	result, err := Parse(data, "91", 12)
	require.NoError(t, err)
	assert.Len(t, result.Contacts, 2)
}

func TestParseRaggedRow(t *testing.T) {
	// Second row omits the trailing variable; it still parses
	data := []byte("phone,name,offer\n919876543210,Asha,Diwali\n919876543211,Ravi\n")

	result, err := Parse(data, "91", 12)
	require.NoError(t, err)
	require.Len(t, result.Contacts, 2)
	assert.Equal(t, "Ravi", result.Contacts[1].Variables["name"])
	_, hasOffer := result.Contacts[1].Variables["offer"]
	assert.False(t, hasOffer)
}

func TestParseRejectsHeaderOnly(t *testing.T) {
	_, err := Parse([]byte("phone,name\n"), "91", 12)
	assert.Error(t, err)
}

func TestParseRejectsEmpty(t *testing.T) {
	_, err := Parse([]byte(""), "91", 12)
	assert.Error(t, err)
}

func TestValid(t *testing.T) {
	data := []byte("phone\n919876543210\nbadphone\n919876543211\n")

	result, err := Parse(data, "91", 12)
	require.NoError(t, err)

	valid := result.Valid()
	require.Len(t, valid, 2)
	assert.Equal(t, "919876543210", valid[0].PhoneNumber)
	assert.Equal(t, "919876543211", valid[1].PhoneNumber)
}

func TestNormalizePhone(t *testing.T) {
	phone, reason := NormalizePhone("919876543210", "91", 12)
	assert.Equal(t, "919876543210", phone)
	assert.Empty(t, reason)

	_, reason = NormalizePhone("", "91", 12)
	assert.Equal(t, "empty phone number", reason)

	_, reason = NormalizePhone("abc", "91", 12)
	assert.Equal(t, "empty phone number", reason)
}
