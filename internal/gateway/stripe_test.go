package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	xerrors "billing-sync-service/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

const secret = "whsec_test_secret"

func sign(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

var failedPayload = []byte(`{
  "id": "evt_123",
  "object": "event",
  "api_version": "2019-01-01",
  "type": "payment_intent.payment_failed",
  "data": {"object": {"id": "pi_123", "object": "payment_intent"}}
}`)

func TestVerifyEvent(t *testing.T) {
	ev, err := VerifyEvent(failedPayload, sign(failedPayload, secret, time.Now()), secret)
	require.NoError(t, err)
	assert.Equal(t, "evt_123", ev.ID)
	assert.Equal(t, "payment_intent.payment_failed", ev.Type)
	assert.JSONEq(t, `{"id":"pi_123","object":"payment_intent"}`, string(ev.Data))
}

func TestVerifyEvent_Rejects(t *testing.T) {
	cases := map[string]string{
		"wrong secret": sign(failedPayload, "whsec_other", time.Now()),
		"stale":        sign(failedPayload, secret, time.Now().Add(-time.Hour)),
		"garbage":      "not-a-signature",
		"empty":        "",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := VerifyEvent(failedPayload, header, secret)
			assert.ErrorIs(t, err, xerrors.ErrValidation)
		})
	}

	t.Run("tampered body", func(t *testing.T) {
		header := sign(failedPayload, secret, time.Now())
		tampered := append([]byte{}, failedPayload...)
		tampered[10] = 'X'
		_, err := VerifyEvent(tampered, header, secret)
		assert.ErrorIs(t, err, xerrors.ErrValidation)
	})
}

func TestVerifyEvent_NoSecret(t *testing.T) {
	_, err := VerifyEvent(failedPayload, "t=1,v1=00", "")
	assert.ErrorIs(t, err, xerrors.ErrConfiguration)
}

func TestNewStripe_RequiresKey(t *testing.T) {
	_, err := NewStripe(Config{})
	assert.ErrorIs(t, err, xerrors.ErrConfiguration)
}

func TestFromStripe(t *testing.T) {
	sess := &stripe.CheckoutSession{
		ID:              "cs_test_1",
		URL:             "https://checkout.stripe.test/cs_test_1",
		PaymentStatus:   stripe.CheckoutSessionPaymentStatusPaid,
		PaymentIntent:   &stripe.PaymentIntent{ID: "pi_1"},
		AmountTotal:     1999,
		Currency:        "usd",
		CustomerDetails: &stripe.CheckoutSessionCustomerDetails{Email: "buyer@example.com"},
		Metadata:        map[string]string{"plan_code": "pro"},
	}
	got := fromStripe(sess)
	assert.True(t, got.IsPaid())
	assert.Equal(t, "pi_1", got.PaymentIntentID)
	assert.Equal(t, "buyer@example.com", got.CustomerEmail)
	assert.Equal(t, "pro", got.Metadata["plan_code"])

	empty := fromStripe(&stripe.CheckoutSession{ID: "cs_2", PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid})
	assert.False(t, empty.IsPaid())
	assert.NotNil(t, empty.Metadata)
}

func TestWrapStripe(t *testing.T) {
	missing := &stripe.Error{Code: stripe.ErrorCodeResourceMissing, Msg: "No such checkout.session"}
	assert.ErrorIs(t, wrapStripe(missing), xerrors.ErrNotFound)

	invalid := &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Msg: "bad currency"}
	assert.ErrorIs(t, wrapStripe(invalid), xerrors.ErrValidation)

	assert.ErrorIs(t, wrapStripe(fmt.Errorf("dial tcp: timeout")), xerrors.ErrTransport)
}
