package executor

import (
	"context"
	"fmt"

	"rugshield/internal/solana"
)

// RPCFinality reads transaction finality from Solana getSignatureStatuses.
type RPCFinality struct {
	rpc solana.RPCClient
}

var _ Finality = (*RPCFinality)(nil)

// NewRPCFinality creates an RPCFinality.
func NewRPCFinality(rpc solana.RPCClient) *RPCFinality {
	return &RPCFinality{rpc: rpc}
}

// TransactionStatus maps the signature status onto TxStatus.
func (f *RPCFinality) TransactionStatus(ctx context.Context, txRef string) (TxStatus, error) {
	statuses, err := f.rpc.GetSignatureStatuses(ctx, []string{txRef})
	if err != nil {
		return TxUnknown, fmt.Errorf("signature status %s: %w", txRef, err)
	}
	if len(statuses) == 0 || statuses[0] == nil {
		return TxUnknown, nil
	}
	st := statuses[0]
	switch {
	case st.Failed():
		return TxFailed, nil
	case st.Landed():
		return TxConfirmed, nil
	}
	return TxPending, nil
}
