package types

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	openErr := fmt.Errorf("input: %w", ErrOpen{Resource: "a.mp4", Err: io.ErrUnexpectedEOF})
	require.True(t, IsOpenFailure(openErr))
	require.False(t, IsNegotiationFailure(openErr))
	require.ErrorIs(t, openErr, io.ErrUnexpectedEOF)

	negErr := fmt.Errorf("decoder: %w", ErrNegotiation{Err: errors.New("no vaapi config")})
	require.True(t, IsNegotiationFailure(negErr))
	require.False(t, IsProtocolFailure(negErr))

	protoErr := ErrProtocol{Op: "send", State: "flushed"}
	require.True(t, IsProtocolFailure(protoErr))
	require.Equal(t, "send is not allowed: flushed", protoErr.Error())

	require.False(t, IsProtocolFailure(ErrNoDataYet))
}
