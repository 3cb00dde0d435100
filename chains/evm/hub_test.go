package evm

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	qt "github.com/frankban/quicktest"

	"github.com/pantos-io/servicenode/chains"
)

var (
	testHubAddress   = common.HexToAddress("0x5c4B92cd0A956dedc14AF31fB478787D96bbDd16")
	testTokenAddress = common.HexToAddress("0x7EFfCc0a130E452c2FB78bFEDBd02a33E03c80c9")
	testOwnAddress   = common.HexToAddress("0xCf6d44A1eBBBEBb19a5c5c74d289077B1bF0CC1e")
)

// fakeCaller answers read-only contract calls with a fixed response.
type fakeCaller struct {
	resp    []byte
	err     error
	gotTo   common.Address
	gotData []byte
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.gotTo = *msg.To
	f.gotData = msg.Data
	return f.resp, f.err
}

func newTestHub(t *testing.T, cli caller) *hub {
	c := qt.New(t)
	h, err := newHub(testHubAddress, testTokenAddress, cli)
	c.Assert(err, qt.IsNil)
	return h
}

func testTransferRequest() transferRequest {
	return transferRequest{
		Sender:      common.HexToAddress("0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa"),
		Recipient:   common.HexToAddress("0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB"),
		Token:       common.HexToAddress("0xCcCCccccCCCCcCCCCCCcCcCccCcCCCcCcccccccC"),
		Amount:      big.NewInt(1000000),
		ServiceNode: testOwnAddress,
		Fee:         big.NewInt(2500),
		Nonce:       big.NewInt(7),
		ValidUntil:  big.NewInt(1700000600),
	}
}

func testTransferFromRequest() transferFromRequest {
	return transferFromRequest{
		DestinationBlockchainId: big.NewInt(1),
		Sender:                  common.HexToAddress("0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa"),
		Recipient:               "0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB",
		SourceToken:             common.HexToAddress("0xCcCCccccCCCCcCCCCCCcCcCccCcCCCcCcccccccC"),
		DestinationToken:        "0xDDdDddDdDdddDDddDDddDDDDdDdDDdDDdDDDDDdD",
		Amount:                  big.NewInt(1000000),
		ServiceNode:             testOwnAddress,
		Fee:                     big.NewInt(7500),
		Nonce:                   big.NewInt(8),
		ValidUntil:              big.NewInt(1700000600),
	}
}

func TestTransferCalldata(t *testing.T) {
	c := qt.New(t)
	h := newTestHub(t, nil)
	signature := bytes.Repeat([]byte{0x11}, 65)

	data, err := h.transferData(testTransferRequest(), signature)
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.HasPrefix(data, common.FromHex(hubTransferSelector)), qt.IsTrue)

	// the arguments are shared with verifyTransfer, so the tail must
	// round-trip through its input layout
	args, err := h.abi.Methods["verifyTransfer"].Inputs.Pack(testTransferRequest(), signature)
	c.Assert(err, qt.IsNil)
	c.Assert(data[4:], qt.DeepEquals, args)
}

func TestTransferFromCalldata(t *testing.T) {
	c := qt.New(t)
	h := newTestHub(t, nil)
	signature := bytes.Repeat([]byte{0x22}, 65)

	data, err := h.transferFromData(testTransferFromRequest(), signature)
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.HasPrefix(data, common.FromHex(hubTransferFromSelector)), qt.IsTrue)

	args, err := h.abi.Methods["verifyTransferFrom"].Inputs.Pack(testTransferFromRequest(), signature)
	c.Assert(err, qt.IsNil)
	c.Assert(data[4:], qt.DeepEquals, args)
}

func TestRegisterServiceNodeCalldata(t *testing.T) {
	c := qt.New(t)
	h := newTestHub(t, nil)
	deposit := big.NewInt(100000000)
	withdrawal := common.HexToAddress("0xeEeEEEeEeeEeEeeeEeEeEEeEeeeEeeeEeeEEEeEe")

	data, err := h.registerServiceNodeData(testOwnAddress, "https://node.example.com", deposit, withdrawal)
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.HasPrefix(data, common.FromHex(hubRegisterServiceNodeSelector)), qt.IsTrue)

	out, err := registerServiceNodeArgs.Unpack(data[4:])
	c.Assert(err, qt.IsNil)
	c.Assert(out[0].(common.Address), qt.Equals, testOwnAddress)
	c.Assert(out[1].(string), qt.Equals, "https://node.example.com")
	c.Assert(out[2].(*big.Int).Cmp(deposit), qt.Equals, 0)
	c.Assert(out[3].(common.Address), qt.Equals, withdrawal)
}

func TestApproveCalldata(t *testing.T) {
	c := qt.New(t)
	h := newTestHub(t, nil)
	deposit := big.NewInt(100000000)

	data, err := h.approveData(deposit)
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.HasPrefix(data, common.FromHex(tokenApproveSelector)), qt.IsTrue)

	// the spender of the deposit allowance must be the hub
	out, err := approveArgs.Unpack(data[4:])
	c.Assert(err, qt.IsNil)
	c.Assert(out[0].(common.Address), qt.Equals, testHubAddress)
	c.Assert(out[1].(*big.Int).Cmp(deposit), qt.Equals, 0)
}

func TestNodeManagementCalldata(t *testing.T) {
	c := qt.New(t)
	h := newTestHub(t, nil)

	data, err := h.unregisterServiceNodeData(testOwnAddress)
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.HasPrefix(data, common.FromHex(hubUnregisterServiceNodeSelector)), qt.IsTrue)

	data, err = h.cancelUnregistrationData(testOwnAddress)
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.HasPrefix(data, common.FromHex(hubCancelUnregistrationSelector)), qt.IsTrue)

	data, err = h.updateNodeURLData("https://new.example.com")
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.HasPrefix(data, common.FromHex(hubUpdateNodeURLSelector)), qt.IsTrue)
	out, err := updateNodeURLArgs.Unpack(data[4:])
	c.Assert(err, qt.IsNil)
	c.Assert(out[0].(string), qt.Equals, "https://new.example.com")
}

func TestClassifyVerifyError(t *testing.T) {
	c := qt.New(t)

	err := classifyVerifyError(errors.New("execution reverted: PantosHub: insufficient balance of sender"))
	c.Assert(errors.Is(err, chains.ErrInsufficientBalance), qt.IsTrue)

	err = classifyVerifyError(errors.New("execution reverted: PantosForwarder: invalid signature"))
	c.Assert(errors.Is(err, chains.ErrInvalidSignature), qt.IsTrue)

	plain := errors.New("execution reverted: PantosHub: transfer is not valid anymore")
	c.Assert(classifyVerifyError(plain), qt.Equals, plain)
}

func TestVerifyTransferClassifiesReverts(t *testing.T) {
	c := qt.New(t)
	cli := &fakeCaller{err: errors.New("execution reverted: PantosHub: insufficient balance of sender")}
	h := newTestHub(t, cli)

	err := h.verifyTransfer(context.Background(), testTransferRequest(), bytes.Repeat([]byte{0x11}, 65))
	c.Assert(errors.Is(err, chains.ErrInsufficientBalance), qt.IsTrue)
	c.Assert(cli.gotTo, qt.Equals, testHubAddress)
}

func TestReadServiceNodeRecord(t *testing.T) {
	c := qt.New(t)
	record := serviceNodeRecord{
		Active:            true,
		Url:               "https://node.example.com",
		Deposit:           big.NewInt(100000000),
		WithdrawalAddress: testOwnAddress,
		UnregisterTime:    big.NewInt(0),
		LockedDeposit:     big.NewInt(0),
	}
	h := newTestHub(t, nil)
	resp, err := h.abi.Methods["getServiceNodeRecord"].Outputs.Pack(record)
	c.Assert(err, qt.IsNil)

	cli := &fakeCaller{resp: resp}
	h.cli = cli
	got, err := h.readServiceNodeRecord(context.Background(), testOwnAddress)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Active, qt.IsTrue)
	c.Assert(got.Url, qt.Equals, "https://node.example.com")
	c.Assert(cli.gotTo, qt.Equals, testHubAddress)
}

func TestReadValidatorFeeRecord(t *testing.T) {
	c := qt.New(t)
	record := validatorFeeRecord{
		OldFactor: big.NewInt(2),
		NewFactor: big.NewInt(3),
		ValidFrom: big.NewInt(1700000000),
	}
	h := newTestHub(t, nil)
	resp, err := h.abi.Methods["getValidatorFeeRecord"].Outputs.Pack(record)
	c.Assert(err, qt.IsNil)

	h.cli = &fakeCaller{resp: resp}
	got, err := h.readValidatorFeeRecord(context.Background(), 3)
	c.Assert(err, qt.IsNil)
	c.Assert(got.OldFactor.Int64(), qt.Equals, int64(2))
	c.Assert(got.NewFactor.Int64(), qt.Equals, int64(3))
	c.Assert(got.ValidFrom.Int64(), qt.Equals, int64(1700000000))
}

func TestCurrentFactor(t *testing.T) {
	c := qt.New(t)
	record := &validatorFeeRecord{
		OldFactor: big.NewInt(2),
		NewFactor: big.NewInt(3),
		ValidFrom: big.NewInt(1700000000),
	}
	c.Assert(record.currentFactor(1699999999).Int64(), qt.Equals, int64(2))
	c.Assert(record.currentFactor(1700000000).Int64(), qt.Equals, int64(3))
	c.Assert(record.currentFactor(1700000001).Int64(), qt.Equals, int64(3))
}

func TestReadTokenBalance(t *testing.T) {
	c := qt.New(t)
	h := newTestHub(t, nil)
	resp, err := h.erc20.Methods["balanceOf"].Outputs.Pack(big.NewInt(123456789))
	c.Assert(err, qt.IsNil)

	cli := &fakeCaller{resp: resp}
	h.cli = cli
	balance, err := h.readTokenBalance(context.Background(), testOwnAddress)
	c.Assert(err, qt.IsNil)
	c.Assert(balance.Int64(), qt.Equals, int64(123456789))
	c.Assert(cli.gotTo, qt.Equals, testTokenAddress)
}

// packTransferLog builds the data payload of a TransferSucceeded event.
func packTransferLog(c *qt.C, h *hub, transferID *big.Int) []byte {
	data, err := h.abi.Events[eventTransferSucceeded].Inputs.Pack(
		transferID, testTransferRequest(), bytes.Repeat([]byte{0x11}, 65))
	c.Assert(err, qt.IsNil)
	return data
}

func TestOnChainTransferID(t *testing.T) {
	c := qt.New(t)
	h := newTestHub(t, nil)
	eventID := h.abi.Events[eventTransferSucceeded].ID
	data := packTransferLog(c, h, big.NewInt(42))

	logs := []*gtypes.Log{
		// emitted by an unrelated contract, must be skipped
		{Address: testTokenAddress, Topics: []common.Hash{eventID}, Data: data},
		// wrong event signature, must be skipped
		{Address: testHubAddress, Topics: []common.Hash{common.HexToHash("0x01")}, Data: data},
		{Address: testHubAddress, Topics: []common.Hash{eventID}, Data: data},
	}
	id, err := h.onChainTransferID(logs, false)
	c.Assert(err, qt.IsNil)
	c.Assert(id.Int64(), qt.Equals, int64(42))
}

func TestOnChainTransferIDCrossChain(t *testing.T) {
	c := qt.New(t)
	h := newTestHub(t, nil)
	data, err := h.abi.Events[eventTransferFromSucceeded].Inputs.Pack(
		big.NewInt(77), testTransferFromRequest(), bytes.Repeat([]byte{0x22}, 65))
	c.Assert(err, qt.IsNil)

	logs := []*gtypes.Log{{
		Address: testHubAddress,
		Topics:  []common.Hash{h.abi.Events[eventTransferFromSucceeded].ID},
		Data:    data,
	}}
	id, err := h.onChainTransferID(logs, true)
	c.Assert(err, qt.IsNil)
	c.Assert(id.Int64(), qt.Equals, int64(77))

	// a single-chain lookup must not match the cross-chain event
	_, err = h.onChainTransferID(logs, false)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestOnChainTransferIDNoEvent(t *testing.T) {
	c := qt.New(t)
	h := newTestHub(t, nil)

	_, err := h.onChainTransferID(nil, false)
	c.Assert(err, qt.ErrorMatches, "no TransferSucceeded event emitted by the hub")

	// malformed event data is discarded instead of failing the lookup
	logs := []*gtypes.Log{{
		Address: testHubAddress,
		Topics:  []common.Hash{h.abi.Events[eventTransferSucceeded].ID},
		Data:    []byte{0x01, 0x02},
	}}
	_, err = h.onChainTransferID(logs, false)
	c.Assert(err, qt.Not(qt.IsNil))
}
