package storage

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/pantos-io/servicenode/types"
)

func TestReplaceBids(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	defer stg.Close()

	bids, err := stg.Bids(types.Ethereum, types.BnbChain)
	c.Assert(err, qt.IsNil)
	c.Assert(bids, qt.HasLen, 0)

	err = stg.ReplaceBids(types.Ethereum, types.BnbChain, []*Bid{
		{ExecutionTime: 600, ValidPeriod: 300, Fee: types.NewBigInt(20000000)},
		{ExecutionTime: 60, ValidPeriod: 300, Fee: types.NewBigInt(50000000)},
	})
	c.Assert(err, qt.IsNil)
	err = stg.ReplaceBids(types.BnbChain, types.Ethereum, []*Bid{
		{ExecutionTime: 120, ValidPeriod: 600, Fee: types.NewBigInt(10000000)},
	})
	c.Assert(err, qt.IsNil)

	// bids come back ordered by execution time and carry their pair
	bids, err = stg.Bids(types.Ethereum, types.BnbChain)
	c.Assert(err, qt.IsNil)
	c.Assert(bids, qt.HasLen, 2)
	c.Assert(bids[0].ExecutionTime, qt.Equals, int64(60))
	c.Assert(bids[0].Fee.String(), qt.Equals, "50000000")
	c.Assert(bids[0].SourceBlockchain, qt.Equals, types.Ethereum)
	c.Assert(bids[0].DestinationBlockchain, qt.Equals, types.BnbChain)
	c.Assert(bids[1].ExecutionTime, qt.Equals, int64(600))

	// replacing drops bids that are gone from the new set
	err = stg.ReplaceBids(types.Ethereum, types.BnbChain, []*Bid{
		{ExecutionTime: 300, ValidPeriod: 300, Fee: types.NewBigInt(30000000)},
	})
	c.Assert(err, qt.IsNil)
	bids, err = stg.Bids(types.Ethereum, types.BnbChain)
	c.Assert(err, qt.IsNil)
	c.Assert(bids, qt.HasLen, 1)
	c.Assert(bids[0].ExecutionTime, qt.Equals, int64(300))

	// the reverse pair is not affected
	bids, err = stg.Bids(types.BnbChain, types.Ethereum)
	c.Assert(err, qt.IsNil)
	c.Assert(bids, qt.HasLen, 1)
	c.Assert(bids[0].ExecutionTime, qt.Equals, int64(120))
}
