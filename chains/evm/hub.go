package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/pantos-io/servicenode/chains"
)

// Function selectors and gas limits of the deployed hub and PAN token
// contracts. The selectors are fixed by the contracts, so state-changing
// calls are assembled from the selector plus hand-packed arguments instead
// of going through generated bindings.
const (
	hubRegisterServiceNodeSelector = "0x901428b0"
	hubRegisterServiceNodeGas      = 300000

	hubTransferSelector = "0x87d28cd6"
	hubTransferGas      = 200000

	hubTransferFromSelector = "0xa6d856e0"
	hubTransferFromGas      = 250000

	hubUnregisterServiceNodeSelector = "0xa35a278d"
	hubUnregisterServiceNodeGas      = 250000

	hubCancelUnregistrationSelector = "0x13cad693"
	hubCancelUnregistrationGas      = 250000

	hubUpdateNodeURLSelector = "0x4bbfe4f6"
	hubUpdateNodeURLGas      = 250000

	tokenApproveSelector = "0x095ea7b3"
	tokenApproveGas      = 100000
)

// Revert reasons of the hub and forwarder contracts that map to typed
// errors when a transfer submission is verified.
const (
	insufficientBalanceRevert = "PantosHub: insufficient balance of sender"
	invalidSignatureRevert    = "PantosForwarder: invalid signature"
)

const (
	eventTransferSucceeded     = "TransferSucceeded"
	eventTransferFromSucceeded = "TransferFromSucceeded"
)

// hubABIJSON covers the read-only hub functions and the transfer events the
// service node consumes. The transfer request tuples double as the argument
// layout for the transfer and transferFrom submissions.
const hubABIJSON = `[
	{"type":"function","name":"verifyTransfer","stateMutability":"view","inputs":[
		{"name":"request","type":"tuple","components":[
			{"name":"sender","type":"address"},
			{"name":"recipient","type":"address"},
			{"name":"token","type":"address"},
			{"name":"amount","type":"uint256"},
			{"name":"serviceNode","type":"address"},
			{"name":"fee","type":"uint256"},
			{"name":"nonce","type":"uint256"},
			{"name":"validUntil","type":"uint256"}]},
		{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"verifyTransferFrom","stateMutability":"view","inputs":[
		{"name":"request","type":"tuple","components":[
			{"name":"destinationBlockchainId","type":"uint256"},
			{"name":"sender","type":"address"},
			{"name":"recipient","type":"string"},
			{"name":"sourceToken","type":"address"},
			{"name":"destinationToken","type":"string"},
			{"name":"amount","type":"uint256"},
			{"name":"serviceNode","type":"address"},
			{"name":"fee","type":"uint256"},
			{"name":"nonce","type":"uint256"},
			{"name":"validUntil","type":"uint256"}]},
		{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"getServiceNodeRecord","stateMutability":"view","inputs":[
		{"name":"serviceNodeAddress","type":"address"}],"outputs":[
		{"name":"","type":"tuple","components":[
			{"name":"active","type":"bool"},
			{"name":"url","type":"string"},
			{"name":"deposit","type":"uint256"},
			{"name":"withdrawalAddress","type":"address"},
			{"name":"unregisterTime","type":"uint256"},
			{"name":"lockedDeposit","type":"uint256"}]}]},
	{"type":"function","name":"isServiceNodeInTheUnbondingPeriod","stateMutability":"view","inputs":[
		{"name":"serviceNodeAddress","type":"address"}],"outputs":[
		{"name":"","type":"bool"}]},
	{"type":"function","name":"getMinimumServiceNodeDeposit","stateMutability":"view","inputs":[],"outputs":[
		{"name":"","type":"uint256"}]},
	{"type":"function","name":"getValidatorFeeRecord","stateMutability":"view","inputs":[
		{"name":"blockchainId","type":"uint256"}],"outputs":[
		{"name":"","type":"tuple","components":[
			{"name":"oldFactor","type":"uint256"},
			{"name":"newFactor","type":"uint256"},
			{"name":"validFrom","type":"uint256"}]}]},
	{"type":"event","name":"TransferSucceeded","anonymous":false,"inputs":[
		{"name":"transferId","type":"uint256","indexed":false},
		{"name":"request","type":"tuple","indexed":false,"components":[
			{"name":"sender","type":"address"},
			{"name":"recipient","type":"address"},
			{"name":"token","type":"address"},
			{"name":"amount","type":"uint256"},
			{"name":"serviceNode","type":"address"},
			{"name":"fee","type":"uint256"},
			{"name":"nonce","type":"uint256"},
			{"name":"validUntil","type":"uint256"}]},
		{"name":"signature","type":"bytes","indexed":false}]},
	{"type":"event","name":"TransferFromSucceeded","anonymous":false,"inputs":[
		{"name":"sourceTransferId","type":"uint256","indexed":false},
		{"name":"request","type":"tuple","indexed":false,"components":[
			{"name":"destinationBlockchainId","type":"uint256"},
			{"name":"sender","type":"address"},
			{"name":"recipient","type":"string"},
			{"name":"sourceToken","type":"address"},
			{"name":"destinationToken","type":"string"},
			{"name":"amount","type":"uint256"},
			{"name":"serviceNode","type":"address"},
			{"name":"fee","type":"uint256"},
			{"name":"nonce","type":"uint256"},
			{"name":"validUntil","type":"uint256"}]},
		{"name":"signature","type":"bytes","indexed":false}]}
]`

// erc20ABIJSON covers the single PAN token read the service node needs.
const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[
		{"name":"","type":"uint256"}]}
]`

// transferRequest mirrors the TransferRequest struct of the hub contract.
type transferRequest struct {
	Sender      common.Address
	Recipient   common.Address
	Token       common.Address
	Amount      *big.Int
	ServiceNode common.Address
	Fee         *big.Int
	Nonce       *big.Int
	ValidUntil  *big.Int
}

// transferFromRequest mirrors the TransferFromRequest struct of the hub
// contract. Recipient and destination token addresses are opaque strings
// since the destination blockchain may use a different address format.
type transferFromRequest struct {
	DestinationBlockchainId *big.Int
	Sender                  common.Address
	Recipient               string
	SourceToken             common.Address
	DestinationToken        string
	Amount                  *big.Int
	ServiceNode             common.Address
	Fee                     *big.Int
	Nonce                   *big.Int
	ValidUntil              *big.Int
}

// serviceNodeRecord mirrors the hub's service node registry entry. Only the
// active flag and the URL are consumed by the service node.
type serviceNodeRecord struct {
	Active            bool
	Url               string
	Deposit           *big.Int
	WithdrawalAddress common.Address
	UnregisterTime    *big.Int
	LockedDeposit     *big.Int
}

// validatorFeeRecord mirrors the hub's validator fee entry for a
// destination blockchain. The new factor applies from ValidFrom on.
type validatorFeeRecord struct {
	OldFactor *big.Int
	NewFactor *big.Int
	ValidFrom *big.Int
}

// currentFactor returns the fee factor in effect at the given Unix time.
func (r *validatorFeeRecord) currentFactor(now int64) *big.Int {
	if r.ValidFrom != nil && big.NewInt(now).Cmp(r.ValidFrom) >= 0 {
		return r.NewFactor
	}
	return r.OldFactor
}

// Argument layouts of the state-changing hub and token functions, paired
// with the hardcoded selectors above.
var (
	typeAddress = mustNewABIType("address")
	typeUint256 = mustNewABIType("uint256")
	typeString  = mustNewABIType("string")

	registerServiceNodeArgs = abi.Arguments{
		{Type: typeAddress}, {Type: typeString}, {Type: typeUint256}, {Type: typeAddress},
	}
	serviceNodeAddressArgs = abi.Arguments{{Type: typeAddress}}
	updateNodeURLArgs      = abi.Arguments{{Type: typeString}}
	approveArgs            = abi.Arguments{{Type: typeAddress}, {Type: typeUint256}}
)

func mustNewABIType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("invalid ABI type %s: %v", t, err))
	}
	return typ
}

// hub wraps the encoding, decoding and read-only calls of the Pantos Hub
// and PAN token contracts deployed on one EVM blockchain.
type hub struct {
	address  common.Address
	panToken common.Address
	abi      *abi.ABI
	erc20    *abi.ABI
	cli      caller
}

// caller is the part of the rpc client the hub needs for read-only calls.
type caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

func newHub(address, panToken common.Address, cli caller) (*hub, error) {
	hubABI, err := abi.JSON(strings.NewReader(hubABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse hub ABI: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC-20 ABI: %w", err)
	}
	return &hub{
		address:  address,
		panToken: panToken,
		abi:      &hubABI,
		erc20:    &erc20ABI,
		cli:      cli,
	}, nil
}

// call executes a read-only call against the hub contract.
func (h *hub) call(ctx context.Context, data []byte) ([]byte, error) {
	return h.cli.CallContract(ctx, ethereum.CallMsg{To: &h.address, Data: data}, nil)
}

// verifyTransfer asks the hub to verify a single-chain transfer before it
// is submitted. Revert reasons of the hub and forwarder are mapped to the
// typed submission errors.
func (h *hub) verifyTransfer(ctx context.Context, request transferRequest, signature []byte) error {
	data, err := h.abi.Pack("verifyTransfer", request, signature)
	if err != nil {
		return fmt.Errorf("failed to pack verifyTransfer call: %w", err)
	}
	if _, err := h.call(ctx, data); err != nil {
		return classifyVerifyError(err)
	}
	return nil
}

// verifyTransferFrom asks the hub to verify a cross-chain transfer before
// it is submitted.
func (h *hub) verifyTransferFrom(ctx context.Context, request transferFromRequest, signature []byte) error {
	data, err := h.abi.Pack("verifyTransferFrom", request, signature)
	if err != nil {
		return fmt.Errorf("failed to pack verifyTransferFrom call: %w", err)
	}
	if _, err := h.call(ctx, data); err != nil {
		return classifyVerifyError(err)
	}
	return nil
}

// classifyVerifyError maps well-known contract revert reasons to the typed
// submission errors. Any other error is returned unchanged.
func classifyVerifyError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, insufficientBalanceRevert):
		return fmt.Errorf("%w: %s", chains.ErrInsufficientBalance, msg)
	case strings.Contains(msg, invalidSignatureRevert):
		return fmt.Errorf("%w: %s", chains.ErrInvalidSignature, msg)
	}
	return err
}

// transferData assembles the calldata of a transfer submission. The
// argument layout is shared with verifyTransfer.
func (h *hub) transferData(request transferRequest, signature []byte) ([]byte, error) {
	args, err := h.abi.Methods["verifyTransfer"].Inputs.Pack(request, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer arguments: %w", err)
	}
	return append(common.FromHex(hubTransferSelector), args...), nil
}

// transferFromData assembles the calldata of a transferFrom submission.
func (h *hub) transferFromData(request transferFromRequest, signature []byte) ([]byte, error) {
	args, err := h.abi.Methods["verifyTransferFrom"].Inputs.Pack(request, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transferFrom arguments: %w", err)
	}
	return append(common.FromHex(hubTransferFromSelector), args...), nil
}

// registerServiceNodeData assembles the calldata of a service node
// registration.
func (h *hub) registerServiceNodeData(ownAddress common.Address, url string,
	deposit *big.Int, withdrawalAddress common.Address,
) ([]byte, error) {
	args, err := registerServiceNodeArgs.Pack(ownAddress, url, deposit, withdrawalAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to pack registerServiceNode arguments: %w", err)
	}
	return append(common.FromHex(hubRegisterServiceNodeSelector), args...), nil
}

// unregisterServiceNodeData assembles the calldata of a service node
// unregistration.
func (h *hub) unregisterServiceNodeData(ownAddress common.Address) ([]byte, error) {
	args, err := serviceNodeAddressArgs.Pack(ownAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to pack unregisterServiceNode arguments: %w", err)
	}
	return append(common.FromHex(hubUnregisterServiceNodeSelector), args...), nil
}

// cancelUnregistrationData assembles the calldata for cancelling a pending
// service node unregistration.
func (h *hub) cancelUnregistrationData(ownAddress common.Address) ([]byte, error) {
	args, err := serviceNodeAddressArgs.Pack(ownAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to pack cancelServiceNodeUnregistration arguments: %w", err)
	}
	return append(common.FromHex(hubCancelUnregistrationSelector), args...), nil
}

// updateNodeURLData assembles the calldata of a service node URL update.
func (h *hub) updateNodeURLData(url string) ([]byte, error) {
	args, err := updateNodeURLArgs.Pack(url)
	if err != nil {
		return nil, fmt.Errorf("failed to pack updateServiceNodeUrl arguments: %w", err)
	}
	return append(common.FromHex(hubUpdateNodeURLSelector), args...), nil
}

// approveData assembles the calldata of a PAN token approval for the hub.
func (h *hub) approveData(deposit *big.Int) ([]byte, error) {
	args, err := approveArgs.Pack(h.address, deposit)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve arguments: %w", err)
	}
	return append(common.FromHex(tokenApproveSelector), args...), nil
}

// readServiceNodeRecord reads the hub's registry entry for the given
// service node address.
func (h *hub) readServiceNodeRecord(ctx context.Context, serviceNode common.Address) (*serviceNodeRecord, error) {
	data, err := h.abi.Pack("getServiceNodeRecord", serviceNode)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getServiceNodeRecord call: %w", err)
	}
	res, err := h.call(ctx, data)
	if err != nil {
		return nil, err
	}
	out, err := h.abi.Unpack("getServiceNodeRecord", res)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack service node record: %w", err)
	}
	return abi.ConvertType(out[0], new(serviceNodeRecord)).(*serviceNodeRecord), nil
}

// readIsUnbonding reports whether the given service node has a pending
// unregistration at the hub.
func (h *hub) readIsUnbonding(ctx context.Context, serviceNode common.Address) (bool, error) {
	data, err := h.abi.Pack("isServiceNodeInTheUnbondingPeriod", serviceNode)
	if err != nil {
		return false, fmt.Errorf("failed to pack isServiceNodeInTheUnbondingPeriod call: %w", err)
	}
	res, err := h.call(ctx, data)
	if err != nil {
		return false, err
	}
	out, err := h.abi.Unpack("isServiceNodeInTheUnbondingPeriod", res)
	if err != nil {
		return false, fmt.Errorf("failed to unpack unbonding flag: %w", err)
	}
	return out[0].(bool), nil
}

// readMinimumDeposit reads the minimum service node deposit required by the
// hub.
func (h *hub) readMinimumDeposit(ctx context.Context) (*big.Int, error) {
	data, err := h.abi.Pack("getMinimumServiceNodeDeposit")
	if err != nil {
		return nil, fmt.Errorf("failed to pack getMinimumServiceNodeDeposit call: %w", err)
	}
	res, err := h.call(ctx, data)
	if err != nil {
		return nil, err
	}
	out, err := h.abi.Unpack("getMinimumServiceNodeDeposit", res)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack minimum deposit: %w", err)
	}
	return out[0].(*big.Int), nil
}

// readValidatorFeeRecord reads the hub's validator fee entry for the given
// destination blockchain.
func (h *hub) readValidatorFeeRecord(ctx context.Context, blockchainID int64) (*validatorFeeRecord, error) {
	data, err := h.abi.Pack("getValidatorFeeRecord", big.NewInt(blockchainID))
	if err != nil {
		return nil, fmt.Errorf("failed to pack getValidatorFeeRecord call: %w", err)
	}
	res, err := h.call(ctx, data)
	if err != nil {
		return nil, err
	}
	out, err := h.abi.Unpack("getValidatorFeeRecord", res)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack validator fee record: %w", err)
	}
	return abi.ConvertType(out[0], new(validatorFeeRecord)).(*validatorFeeRecord), nil
}

// readTokenBalance reads the PAN token balance of the given account.
func (h *hub) readTokenBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := h.erc20.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	res, err := h.cli.CallContract(ctx, ethereum.CallMsg{To: &h.panToken, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out, err := h.erc20.Unpack("balanceOf", res)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack token balance: %w", err)
	}
	return out[0].(*big.Int), nil
}

// onChainTransferID extracts the transfer ID assigned by the hub from the
// logs of a confirmed transfer transaction. Logs emitted by other contracts
// or with a different event signature are discarded.
func (h *hub) onChainTransferID(logs []*gtypes.Log, crossChain bool) (*big.Int, error) {
	name := eventTransferSucceeded
	if crossChain {
		name = eventTransferFromSucceeded
	}
	event, ok := h.abi.Events[name]
	if !ok {
		return nil, fmt.Errorf("unknown hub event %s", name)
	}
	for _, l := range logs {
		if l.Address != h.address || len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		out, err := h.abi.Unpack(name, l.Data)
		if err != nil {
			continue
		}
		id, ok := out[0].(*big.Int)
		if !ok {
			continue
		}
		return id, nil
	}
	return nil, fmt.Errorf("no %s event emitted by the hub", name)
}
