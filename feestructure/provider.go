package feestructure

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/fee-ledger/ledger"
)

// Provider serves annual fees from structures stored in a ledger.Directory.
// Stored components are re-parsed so a corrupt row fails enrollment
// instead of producing a fee record with an unexplained total.
type Provider struct {
	dir ledger.Directory
}

var _ ledger.FeeStructureProvider = (*Provider)(nil)

func NewProvider(dir ledger.Directory) *Provider {
	return &Provider{dir: dir}
}

func (p *Provider) AnnualFee(ctx context.Context, classID, sessionYearID string) (decimal.Decimal, error) {
	rec, err := p.dir.GetFeeStructure(ctx, classID, sessionYearID)
	if err != nil {
		return decimal.Zero, err
	}
	if rec == nil {
		return decimal.Zero, &ledger.NotFoundError{Kind: "fee structure", ID: classID + "/" + sessionYearID}
	}
	s, err := FromRecord(*rec)
	if err != nil {
		return decimal.Zero, err
	}
	return s.Total, nil
}
