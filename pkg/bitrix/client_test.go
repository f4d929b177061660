package bitrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatrix/internal/errors"
	"whatrix/internal/models"
)

type restCall struct {
	Method string
	Auth   string
	Body   map[string]interface{}
}

// restServer answers /rest/<method> with the given result (or error payload)
// and records every call it sees.
func restServer(t *testing.T, result interface{}, apiError string) (*httptest.Server, *[]restCall) {
	t.Helper()
	calls := &[]restCall{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			body = nil
		}
		*calls = append(*calls, restCall{
			Method: r.URL.Path,
			Auth:   r.URL.Query().Get("auth"),
			Body:   body,
		})

		w.Header().Set("Content-Type", "application/json")
		if apiError != "" {
			json.NewEncoder(w).Encode(map[string]string{
				"error":             apiError,
				"error_description": "something went wrong",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"result": result})
	}))
	t.Cleanup(server.Close)
	return server, calls
}

func newClientFixture(t *testing.T, result interface{}, apiError string) (*Client, *[]restCall) {
	t.Helper()
	server, calls := restServer(t, result, apiError)

	store := &fakeCredentialStore{
		cred: &models.PortalCredential{
			PortalAddress:  server.URL,
			ClientID:       "app.123",
			AccessToken:    "bearer-xyz",
			RefreshToken:   "refresh-xyz",
			TokenExpiresAt: time.Now().Add(time.Hour),
		},
	}

	cfg := models.CrmConfig{
		PortalAddress: server.URL,
		ConnectorLine: "1",
		TimeoutSec:    5,
	}
	return NewClient(cfg, store, testLogger()), calls
}

func TestCreateContact(t *testing.T) {
	client, calls := newClientFixture(t, 501, "")

	id, err := client.CreateContact(context.Background(), "Maria", "5511999990000")
	require.NoError(t, err)
	assert.Equal(t, int64(501), id)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/rest/crm.contact.add", call.Method)
	assert.Equal(t, "bearer-xyz", call.Auth)

	fields := call.Body["fields"].(map[string]interface{})
	assert.Equal(t, "Maria", fields["NAME"])
}

func TestSendMessage(t *testing.T) {
	client, calls := newClientFixture(t, 9001, "")

	id, err := client.SendMessage(context.Background(), "chat42", "hello", false)
	require.NoError(t, err)
	assert.Equal(t, int64(9001), id)

	call := (*calls)[0]
	assert.Equal(t, "/rest/im.message.add", call.Method)
	assert.Equal(t, "chat42", call.Body["DIALOG_ID"])
	assert.Equal(t, "hello", call.Body["MESSAGE"])
	assert.Equal(t, "N", call.Body["SYSTEM"])
}

func TestSendMessageSystemFlag(t *testing.T) {
	client, calls := newClientFixture(t, 9002, "")

	_, err := client.SendMessage(context.Background(), "chat42", "note", true)
	require.NoError(t, err)
	assert.Equal(t, "Y", (*calls)[0].Body["SYSTEM"])
}

func TestCreateChatStringResult(t *testing.T) {
	// Some REST methods return ids as strings
	client, calls := newClientFixture(t, "42", "")

	id, err := client.CreateChat(context.Background(), "5511999990000", "Maria")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	call := (*calls)[0]
	assert.Equal(t, "/rest/imconnector.send.messages", call.Method)
	assert.Equal(t, "1", call.Body["LINE"])
}

func TestCallAPIErrorPayload(t *testing.T) {
	client, _ := newClientFixture(t, nil, "ERROR_METHOD_NOT_FOUND")

	_, err := client.CreateContact(context.Background(), "Maria", "5511999990000")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeCrmAPI))
	assert.Contains(t, err.Error(), "ERROR_METHOD_NOT_FOUND")
}

func TestCallHTTPErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	store := &fakeCredentialStore{
		cred: &models.PortalCredential{
			PortalAddress:  server.URL,
			AccessToken:    "bearer-xyz",
			TokenExpiresAt: time.Now().Add(time.Hour),
		},
	}
	client := NewClient(models.CrmConfig{PortalAddress: server.URL, TimeoutSec: 5}, store, testLogger())

	_, err := client.SendMessage(context.Background(), "chat42", "hello", false)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err), "5xx responses should be retried")
}

func TestFindContactByPhone(t *testing.T) {
	// List responses serialize ids as strings
	client, calls := newClientFixture(t, []map[string]string{{"ID": "777", "NAME": "Maria"}}, "")

	contact, err := client.FindContactByPhone(context.Background(), "5511999990000")
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.Equal(t, ContactID(777), contact.ID)
	assert.Equal(t, "/rest/crm.contact.list", (*calls)[0].Method)
}

func TestFindContactByPhoneNoMatch(t *testing.T) {
	client, _ := newClientFixture(t, []Contact{}, "")

	contact, err := client.FindContactByPhone(context.Background(), "5511999990000")
	require.NoError(t, err)
	assert.Nil(t, contact)
}

func TestFindContactByPhoneErrorIsBestEffort(t *testing.T) {
	client, _ := newClientFixture(t, nil, "ACCESS_DENIED")

	contact, err := client.FindContactByPhone(context.Background(), "5511999990000")
	require.NoError(t, err)
	assert.Nil(t, contact)
}

func TestParseID(t *testing.T) {
	id, err := parseID(json.RawMessage(`42`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	id, err = parseID(json.RawMessage(`"42"`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = parseID(json.RawMessage(`"abc"`))
	assert.Error(t, err)

	_, err = parseID(json.RawMessage(`{"ID":42}`))
	assert.Error(t, err)
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "****0000", maskPhone("5511999990000"))
	assert.Equal(t, "****", maskPhone("123"))
}
