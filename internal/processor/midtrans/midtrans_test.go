package midtrans

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"

	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/processor"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(config.MidtransConfig{ServerKey: "SB-server", IrisAPIKey: "iris", MerchantKey: "merchant"})
	require.NoError(t, err)
	return a
}

func notification(status, fraud, serverKey string) []byte {
	sum := sha512.Sum512([]byte("order-1" + "200" + "100000.00" + serverKey))
	return []byte(fmt.Sprintf(`{
		"order_id":"order-1",
		"transaction_id":"tx-1",
		"transaction_status":%q,
		"fraud_status":%q,
		"status_code":"200",
		"gross_amount":"100000.00",
		"currency":"idr",
		"transaction_time":"2024-03-01 10:00:00",
		"signature_key":%q
	}`, status, fraud, hex.EncodeToString(sum[:])))
}

func TestNewRequiresServerKey(t *testing.T) {
	_, err := New(config.MidtransConfig{})
	require.ErrorIs(t, err, processor.ErrInvalidConfig)
}

func TestVerifyPaymentNotification(t *testing.T) {
	a := newAdapter(t)
	require.NoError(t, a.Verify(context.Background(), notification("settlement", "", "SB-server"), http.Header{}))

	err := a.Verify(context.Background(), notification("settlement", "", "other-key"), http.Header{})
	require.ErrorIs(t, err, processor.ErrInvalidSignature)
}

func TestVerifyIrisNotification(t *testing.T) {
	a := newAdapter(t)
	body := []byte(`{"reference_no":"ref-1","amount":"5000.0","status":"completed","updated_at":"2024-03-01T10:00:00Z"}`)
	sum := sha512.Sum512(append(append([]byte{}, body...), "merchant"...))

	headers := http.Header{}
	headers.Set(IrisSignatureHeader, hex.EncodeToString(sum[:]))
	require.NoError(t, a.Verify(context.Background(), body, headers))

	headers.Set(IrisSignatureHeader, "deadbeef")
	require.ErrorIs(t, a.Verify(context.Background(), body, headers), processor.ErrInvalidSignature)
}

func TestParseTransactionStatuses(t *testing.T) {
	a := newAdapter(t)
	cases := []struct {
		status string
		fraud  string
		want   processor.EventType
	}{
		{"pending", "", processor.EventIntentProcessing},
		{"authorize", "", processor.EventIntentAmountCapturable},
		{"capture", "accept", processor.EventIntentSucceeded},
		{"capture", "challenge", processor.EventIntentRequiresAction},
		{"settlement", "", processor.EventIntentSucceeded},
		{"deny", "", processor.EventIntentPaymentFailed},
		{"expire", "", processor.EventIntentCanceled},
	}
	for _, tc := range cases {
		t.Run(tc.status+"/"+tc.fraud, func(t *testing.T) {
			evt, err := a.Parse(context.Background(), notification(tc.status, tc.fraud, "SB-server"))
			require.NoError(t, err)
			require.Equal(t, tc.want, evt.Type)
			require.Equal(t, "order-1", evt.ResourceID)
			require.Equal(t, int64(100000), evt.Amount)
			require.Equal(t, "IDR", evt.Currency)
			require.Equal(t, 3, evt.OccurredAt.Hour())
		})
	}
}

func TestParseEventIDStableAcrossRedelivery(t *testing.T) {
	a := newAdapter(t)
	first, err := a.Parse(context.Background(), notification("settlement", "", "SB-server"))
	require.NoError(t, err)
	again, err := a.Parse(context.Background(), notification("settlement", "", "SB-server"))
	require.NoError(t, err)
	other, err := a.Parse(context.Background(), notification("pending", "", "SB-server"))
	require.NoError(t, err)

	require.Equal(t, first.ID, again.ID)
	require.NotEqual(t, first.ID, other.ID)
}

func TestParseIrisNotification(t *testing.T) {
	a := newAdapter(t)
	evt, err := a.Parse(context.Background(), []byte(`{"reference_no":"ref-9","amount":"5000.0","status":"failed","error_code":"001","error_message":"account closed"}`))
	require.NoError(t, err)
	require.Equal(t, processor.EventTransferFailed, evt.Type)
	require.Equal(t, "ref-9", evt.ResourceID)
	require.Equal(t, int64(5000), evt.Amount)
	require.Equal(t, "001", evt.FailureCode)
}

func TestParseRejectsIncompletePayload(t *testing.T) {
	a := newAdapter(t)
	_, err := a.Parse(context.Background(), []byte(`{"order_id":""}`))
	require.ErrorIs(t, err, processor.ErrInvalidEvent)

	_, err = a.Parse(context.Background(), []byte(`not json`))
	require.ErrorIs(t, err, processor.ErrInvalidPayload)
}

func TestParseBeneficiary(t *testing.T) {
	bank, account, name, err := parseBeneficiary("bca:1234567890:Jane Doe")
	require.NoError(t, err)
	require.Equal(t, "bca", bank)
	require.Equal(t, "1234567890", account)
	require.Equal(t, "Jane Doe", name)

	_, _, _, err = parseBeneficiary("bca:123")
	require.Error(t, err)
}
