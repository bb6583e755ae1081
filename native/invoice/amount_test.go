package invoice

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAmountBTC(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
	}{
		{"0.05", 5_000_000},
		{"0.049", 4_900_000},
		{"1", 100_000_000},
		{"0.00000001", 1},
		{"0.050000000", 5_000_000},
		{"20999999.99999999", 2_099_999_999_999_999},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.raw, CurrencyBTC)
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.want, got, tc.raw)
	}
}

func TestParseAmountRejectsLossyAndNonPositive(t *testing.T) {
	for _, raw := range []string{"0", "-1", "0.000000001", "abc", "", "21000000.00000001"} {
		_, err := ParseAmount(raw, CurrencyBTC)
		require.Error(t, err, raw)
		require.True(t, errors.Is(err, ErrValidation), raw)
	}
	_, err := ParseAmount("10.5", CurrencySats)
	require.ErrorIs(t, err, ErrValidation)
}

func TestSatsRoundTrip(t *testing.T) {
	for _, sats := range []int64{1, 99, 4_900_000, 5_000_000, 123_456_789, MaxSupplySats} {
		formatted := FormatBTC(sats)
		back, err := BTCToSats(formatted)
		require.NoError(t, err)
		require.Equal(t, sats, back, formatted)
	}
	require.Equal(t, "0.05000000", FormatBTC(5_000_000))
	require.Equal(t, "5000000", FormatAmount(5_000_000, CurrencySats))
}

func TestParseReceived(t *testing.T) {
	sats, err := ParseReceived("0.049")
	require.NoError(t, err)
	require.Equal(t, int64(4_900_000), sats)

	sats, err = ParseReceived("5000000")
	require.NoError(t, err)
	require.Equal(t, int64(5_000_000), sats)

	sats, err = ParseReceived("")
	require.NoError(t, err)
	require.Zero(t, sats)
}
