package settlement

import (
	"context"

	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/model"
)

// Decision is the agreement service's verdict on a proposed batch.
type Decision string

const (
	DecisionCommitted Decision = "committed"
	DecisionAborted   Decision = "aborted"
)

// AgreementClient is the boundary to the external multi-party agreement
// stage. The settlement core only proposes: it hands over an immutable
// batch with its netting result and receives a commit or abort verdict.
// Everything behind the boundary (voting, quorum, the other parties) is
// someone else's system.
type AgreementClient interface {
	Propose(ctx context.Context, batch *model.Batch, result *model.NettingResult) (Decision, error)
}

// LoopbackAgreement commits every proposal. It stands in for the real
// agreement service in single-party deployments and tests.
type LoopbackAgreement struct{}

func (LoopbackAgreement) Propose(context.Context, *model.Batch, *model.NettingResult) (Decision, error) {
	return DecisionCommitted, nil
}
