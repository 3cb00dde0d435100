package transfers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/pantos-io/servicenode/bids"
	"github.com/pantos-io/servicenode/chains"
	"github.com/pantos-io/servicenode/crypto/signatures/ethereum"
	"github.com/pantos-io/servicenode/db"
	"github.com/pantos-io/servicenode/db/metadb"
	"github.com/pantos-io/servicenode/scheduler"
	"github.com/pantos-io/servicenode/storage"
	"github.com/pantos-io/servicenode/types"
)

const (
	testSender        = "0x2003c848642Be2d9E230Ec94D3E82Eb204f749B8"
	testRecipient     = "0x04A4C55f266685E0f235Dca3fA2f9a9Ba130e28A"
	testSourceToken   = "0x5538e600dc919f72858dd4D4F5E4327ec6f2af60"
	testDestToken     = "0x24b6E4F422c8E76B4b0d4F71B4949f1CDD5afd46"
	testHub           = "0x308eF9f94a642A31D9F9eA83f183544027A9742D"
	testForwarder     = "0xf391C7BE0a188Fa6B483F0AC8d78B25baBf4eebC"
	testSignature     = "0x3f4e7e5c2b6ad41a046e9b1a1c4b2a9ce20b1f2d4f5e6a7b8c9d0e1f2a3b4c5d"
	testSenderNonce   = uint64(7)
	testTransferValid = int64(3600)
)

var testIntervals = Intervals{
	ConfirmInterval:      30 * time.Second,
	ConfirmRetryInterval: time.Minute,
	ConfirmMaxRetries:    100,
	ExecuteRetryInterval: 45 * time.Second,
}

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	testdb, err := metadb.New(db.TypePebble, t.TempDir())
	if err != nil {
		t.Fatalf("metadb.New: %v", err)
	}
	stg := storage.New(testdb)
	t.Cleanup(stg.Close)
	return stg
}

// fakeClient stands in for a blockchain client. It records every submission
// request and answers status polls with canned responses. When assignNonce
// is set, a submission assigns a blockchain nonce through the storage layer
// before reporting its result, like the real clients do.
type fakeClient struct {
	chains.Client

	blockchain  types.Blockchain
	stg         *storage.Storage
	assignNonce bool

	submitHandle uuid.UUID
	submitErr    error
	single       []chains.TransferSubmissionRequest
	cross        []chains.TransferFromSubmissionRequest

	status    *chains.SubmissionStatus
	statusErr error
}

func (f *fakeClient) Blockchain() types.Blockchain { return f.blockchain }
func (f *fakeClient) HubAddress() string           { return testHub }
func (f *fakeClient) ForwarderAddress() string     { return testForwarder }

func (f *fakeClient) submitted(transferID uint64) (uuid.UUID, error) {
	if f.assignNonce {
		if _, err := f.stg.AssignTransferNonce(transferID, 0); err != nil {
			return uuid.Nil, err
		}
	}
	if f.submitErr != nil {
		return uuid.Nil, f.submitErr
	}
	return f.submitHandle, nil
}

func (f *fakeClient) StartTransferSubmission(_ context.Context,
	request chains.TransferSubmissionRequest,
) (uuid.UUID, error) {
	f.single = append(f.single, request)
	return f.submitted(request.TransferID)
}

func (f *fakeClient) StartTransferFromSubmission(_ context.Context,
	request chains.TransferFromSubmissionRequest,
) (uuid.UUID, error) {
	f.cross = append(f.cross, request)
	return f.submitted(request.TransferID)
}

func (f *fakeClient) TransferSubmissionStatus(context.Context, uuid.UUID,
	types.Blockchain,
) (*chains.SubmissionStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

// acceptPlugin is a bid plugin that only decides whether bids are accepted.
type acceptPlugin struct {
	accept bool
}

func (p *acceptPlugin) GetBids(types.Blockchain, types.Blockchain) ([]*storage.Bid,
	time.Duration, error,
) {
	return nil, 0, bids.ErrNoBids
}

func (p *acceptPlugin) AcceptBid(*bids.SignedBid) bool { return p.accept }

func newTestEngine(t *testing.T, stg *storage.Storage, client *fakeClient,
	accept bool,
) (*Engine, *ethereum.Signer) {
	t.Helper()
	signer, err := ethereum.NewSigner()
	if err != nil {
		t.Fatalf("ethereum.NewSigner: %v", err)
	}
	verifier := bids.NewVerifier(signer.Address(), &acceptPlugin{accept: accept})
	engine, err := NewEngine(stg, scheduler.New(stg, 0),
		chains.Clients{client.blockchain: client}, verifier, testIntervals)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, signer
}

func signedBid(t *testing.T, signer *ethereum.Signer, source, destination types.Blockchain,
	now time.Time,
) *bids.SignedBid {
	t.Helper()
	bid, err := bids.SignBid(signer, &storage.Bid{
		SourceBlockchain:      source,
		DestinationBlockchain: destination,
		ExecutionTime:         600,
		ValidPeriod:           300,
		Fee:                   types.NewBigInt(50_000_000),
	}, now)
	if err != nil {
		t.Fatalf("bids.SignBid: %v", err)
	}
	return bid
}

func testRequest(bid *bids.SignedBid, now time.Time) *InitiateRequest {
	return &InitiateRequest{
		SourceBlockchain:        bid.SourceBlockchain,
		DestinationBlockchain:   bid.DestinationBlockchain,
		SenderAddress:           testSender,
		RecipientAddress:        testRecipient,
		SourceTokenAddress:      testSourceToken,
		DestinationTokenAddress: testDestToken,
		Amount:                  types.NewBigInt(1_000_000),
		SenderNonce:             testSenderNonce,
		ValidUntil:              now.Unix() + testTransferValid,
		Signature:               testSignature,
		Bid:                     bid,
		TimeReceived:            now,
	}
}

func createTestTransfer(c *qt.C, stg *storage.Storage, source, destination types.Blockchain,
	sourceToken, destinationToken string,
) *storage.Transfer {
	transfer, err := stg.CreateTransfer(storage.CreateTransferParams{
		SourceBlockchain:        source,
		DestinationBlockchain:   destination,
		SenderAddress:           testSender,
		RecipientAddress:        testRecipient,
		SourceTokenAddress:      sourceToken,
		DestinationTokenAddress: destinationToken,
		Amount:                  types.NewBigInt(1_000_000),
		Fee:                     types.NewBigInt(50_000_000),
		SenderNonce:             testSenderNonce,
		Signature:               testSignature,
		HubAddress:              testHub,
		ForwarderAddress:        testForwarder,
	})
	c.Assert(err, qt.IsNil)
	return transfer
}

func taskPayload(c *qt.C, args any) []byte {
	data, err := cbor.Marshal(args)
	c.Assert(err, qt.IsNil)
	return data
}

func TestInitiateTransfer(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	client := &fakeClient{blockchain: types.Ethereum}
	engine, signer := newTestEngine(t, stg, client, true)

	now := time.Now()
	bid := signedBid(t, signer, types.Ethereum, types.BnbChain, now)
	taskID, err := engine.Initiate(testRequest(bid, now))
	c.Assert(err, qt.IsNil)
	c.Assert(taskID, qt.Not(qt.Equals), uuid.Nil)

	transfer, err := stg.TransferByTaskID(taskID)
	c.Assert(err, qt.IsNil)
	c.Assert(transfer.Status, qt.Equals, types.TransferAccepted)
	c.Assert(transfer.Fee.Equal(bid.Fee), qt.IsTrue)
	c.Assert(transfer.HubAddress, qt.Equals, testHub)
	c.Assert(transfer.ForwarderAddress, qt.Equals, testForwarder)
	c.Assert(transfer.SenderNonce, qt.Not(qt.IsNil))
	c.Assert(*transfer.SenderNonce, qt.Equals, testSenderNonce)

	tasks, err := stg.DueTasks(scheduler.QueueTransfers, time.Now().Unix())
	c.Assert(err, qt.IsNil)
	c.Assert(tasks, qt.HasLen, 1)
	c.Assert(tasks[0].ID, qt.Equals, taskID)
	c.Assert(tasks[0].Name, qt.Equals, taskExecuteTransfer)
}

func TestInitiateRejectedBid(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	client := &fakeClient{blockchain: types.Ethereum}
	engine, signer := newTestEngine(t, stg, client, false)

	now := time.Now()
	bid := signedBid(t, signer, types.Ethereum, types.BnbChain, now)
	_, err := engine.Initiate(testRequest(bid, now))
	var rejection *bids.RejectionError
	c.Assert(errors.As(err, &rejection), qt.IsTrue)
	c.Assert(rejection.Reason, qt.Equals, "bid not accepted")

	tasks, err := stg.DueTasks(scheduler.QueueTransfers, time.Now().Unix())
	c.Assert(err, qt.IsNil)
	c.Assert(tasks, qt.HasLen, 0)
}

func TestInitiateDuplicateSenderNonce(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	client := &fakeClient{blockchain: types.Ethereum}
	engine, signer := newTestEngine(t, stg, client, true)

	now := time.Now()
	bid := signedBid(t, signer, types.Ethereum, types.BnbChain, now)
	_, err := engine.Initiate(testRequest(bid, now))
	c.Assert(err, qt.IsNil)
	_, err = engine.Initiate(testRequest(bid, now))
	c.Assert(err, qt.ErrorIs, storage.ErrSenderNonceNotUnique)
}

func TestExecuteTransferCrossChain(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	handle := uuid.New()
	client := &fakeClient{
		blockchain: types.Ethereum, stg: stg, assignNonce: true, submitHandle: handle,
	}
	engine, _ := newTestEngine(t, stg, client, true)

	transfer := createTestTransfer(c, stg, types.Ethereum, types.BnbChain,
		testSourceToken, testDestToken)
	validUntil := time.Now().Unix() + testTransferValid
	err := engine.handleExecuteTransfer(context.Background(),
		taskPayload(c, executeTransferArgs{TransferID: transfer.ID, ValidUntil: validUntil}))
	c.Assert(err, qt.IsNil)

	c.Assert(client.single, qt.HasLen, 0)
	c.Assert(client.cross, qt.HasLen, 1)
	request := client.cross[0]
	c.Assert(request.TransferID, qt.Equals, transfer.ID)
	c.Assert(request.DestinationBlockchain, qt.Equals, types.BnbChain)
	c.Assert(request.SourceTokenAddress, qt.Equals, testSourceToken)
	c.Assert(request.DestinationTokenAddress, qt.Equals, testDestToken)
	c.Assert(request.SenderNonce, qt.Equals, testSenderNonce)
	c.Assert(request.ValidUntil, qt.Equals, validUntil)

	stored, err := stg.Transfer(transfer.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.Status, qt.Equals, types.TransferSubmitted)

	// the confirmation poll is scheduled after the configured interval
	now := time.Now().Unix()
	tasks, err := stg.DueTasks(scheduler.QueueTransfers, now)
	c.Assert(err, qt.IsNil)
	c.Assert(tasks, qt.HasLen, 0)
	tasks, err = stg.DueTasks(scheduler.QueueTransfers,
		now+int64(testIntervals.ConfirmInterval.Seconds())+1)
	c.Assert(err, qt.IsNil)
	c.Assert(tasks, qt.HasLen, 1)
	c.Assert(tasks[0].Name, qt.Equals, taskConfirmTransfer)
}

func TestExecuteTransferSingleChain(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	client := &fakeClient{blockchain: types.Ethereum, stg: stg, submitHandle: uuid.New()}
	engine, _ := newTestEngine(t, stg, client, true)

	transfer := createTestTransfer(c, stg, types.Ethereum, types.Ethereum,
		testSourceToken, testSourceToken)
	err := engine.handleExecuteTransfer(context.Background(),
		taskPayload(c, executeTransferArgs{
			TransferID: transfer.ID,
			ValidUntil: time.Now().Unix() + testTransferValid,
		}))
	c.Assert(err, qt.IsNil)

	c.Assert(client.cross, qt.HasLen, 0)
	c.Assert(client.single, qt.HasLen, 1)
	c.Assert(client.single[0].TokenAddress, qt.Equals, testSourceToken)
	stored, err := stg.Transfer(transfer.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.Status, qt.Equals, types.TransferSubmitted)
}

func TestExecuteTransferExpired(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	client := &fakeClient{blockchain: types.Ethereum}
	engine, _ := newTestEngine(t, stg, client, true)

	transfer := createTestTransfer(c, stg, types.Ethereum, types.BnbChain,
		testSourceToken, testDestToken)
	err := engine.handleExecuteTransfer(context.Background(),
		taskPayload(c, executeTransferArgs{
			TransferID: transfer.ID,
			ValidUntil: time.Now().Unix() - 10,
		}))
	c.Assert(err, qt.IsNil)

	c.Assert(client.single, qt.HasLen, 0)
	c.Assert(client.cross, qt.HasLen, 0)
	stored, err := stg.Transfer(transfer.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.Status, qt.Equals, types.TransferFailed)
	c.Assert(stored.SenderNonce, qt.IsNil)

	tasks, err := stg.DueTasks(scheduler.QueueTransfers, time.Now().Unix()+3600)
	c.Assert(err, qt.IsNil)
	c.Assert(tasks, qt.HasLen, 0)
}

func TestExecuteTransferSingleChainTokenMismatch(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	client := &fakeClient{blockchain: types.Ethereum}
	engine, _ := newTestEngine(t, stg, client, true)

	transfer := createTestTransfer(c, stg, types.Ethereum, types.Ethereum,
		testSourceToken, testDestToken)
	err := engine.handleExecuteTransfer(context.Background(),
		taskPayload(c, executeTransferArgs{
			TransferID: transfer.ID,
			ValidUntil: time.Now().Unix() + testTransferValid,
		}))
	c.Assert(err, qt.IsNil)

	c.Assert(client.single, qt.HasLen, 0)
	stored, err := stg.Transfer(transfer.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.Status, qt.Equals, types.TransferFailed)
}

func TestExecuteTransferRejectedSubmission(t *testing.T) {
	for _, cause := range []error{chains.ErrInsufficientBalance, chains.ErrInvalidSignature} {
		t.Run(cause.Error(), func(t *testing.T) {
			c := qt.New(t)
			stg := newTestStorage(t)
			client := &fakeClient{
				blockchain: types.Ethereum, stg: stg, assignNonce: true,
				submitErr: fmt.Errorf("hub rejection: %w", cause),
			}
			engine, _ := newTestEngine(t, stg, client, true)

			transfer := createTestTransfer(c, stg, types.Ethereum, types.BnbChain,
				testSourceToken, testDestToken)
			err := engine.handleExecuteTransfer(context.Background(),
				taskPayload(c, executeTransferArgs{
					TransferID: transfer.ID,
					ValidUntil: time.Now().Unix() + testTransferValid,
				}))
			c.Assert(err, qt.IsNil)

			stored, err := stg.Transfer(transfer.ID)
			c.Assert(err, qt.IsNil)
			c.Assert(stored.Status, qt.Equals, types.TransferFailed)
			c.Assert(stored.SenderNonce, qt.IsNil)
		})
	}
}

func TestExecuteTransferTransientSubmission(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	client := &fakeClient{
		blockchain: types.Ethereum, stg: stg, assignNonce: true,
		submitErr: errors.New("all providers down"),
	}
	engine, _ := newTestEngine(t, stg, client, true)

	transfer := createTestTransfer(c, stg, types.Ethereum, types.BnbChain,
		testSourceToken, testDestToken)
	err := engine.handleExecuteTransfer(context.Background(),
		taskPayload(c, executeTransferArgs{
			TransferID: transfer.ID,
			ValidUntil: time.Now().Unix() + testTransferValid,
		}))
	var retry *scheduler.Retry
	c.Assert(errors.As(err, &retry), qt.IsTrue)
	c.Assert(retry.After, qt.Equals, testIntervals.ExecuteRetryInterval)
	c.Assert(retry.Reason, qt.ErrorMatches,
		"unable to send a cross-chain transfer: all providers down")

	// the nonce assignment moved the transfer to the internal accepted
	// status, the failed attempt resets it for a clean retry
	stored, err := stg.Transfer(transfer.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.Status, qt.Equals, types.TransferAccepted)
	c.Assert(stored.SenderNonce, qt.Not(qt.IsNil))
	c.Assert(stored.BlockchainNonce, qt.Not(qt.IsNil))
}

func TestConfirmTransferPending(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	client := &fakeClient{
		blockchain: types.Ethereum,
		status:     &chains.SubmissionStatus{Completed: false},
	}
	engine, _ := newTestEngine(t, stg, client, true)

	transfer := createTestTransfer(c, stg, types.Ethereum, types.BnbChain,
		testSourceToken, testDestToken)
	c.Assert(stg.UpdateTransferStatus(transfer.ID, types.TransferSubmitted), qt.IsNil)

	err := engine.handleConfirmTransfer(context.Background(),
		taskPayload(c, confirmTransferArgs{TransferID: transfer.ID, Handle: uuid.New()}))
	var retry *scheduler.Retry
	c.Assert(errors.As(err, &retry), qt.IsTrue)
	c.Assert(retry.After, qt.Equals, testIntervals.ConfirmInterval)
	c.Assert(retry.Reason, qt.IsNil)

	stored, err := stg.Transfer(transfer.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.Status, qt.Equals, types.TransferSubmitted)
}

func TestConfirmTransferConfirmed(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	transactionID := "0x7cf4cf2a9bd4e2c4c23ac1e9059502e64a3f3e4b129ff6b8e6feed04d1924a91"
	client := &fakeClient{
		blockchain: types.Ethereum,
		status: &chains.SubmissionStatus{
			Completed:         true,
			Status:            types.TransferConfirmed,
			TransactionID:     transactionID,
			OnChainTransferID: types.NewBigInt(4242),
		},
	}
	engine, _ := newTestEngine(t, stg, client, true)

	transfer := createTestTransfer(c, stg, types.Ethereum, types.BnbChain,
		testSourceToken, testDestToken)
	c.Assert(stg.UpdateTransferStatus(transfer.ID, types.TransferSubmitted), qt.IsNil)

	err := engine.handleConfirmTransfer(context.Background(),
		taskPayload(c, confirmTransferArgs{TransferID: transfer.ID, Handle: uuid.New()}))
	c.Assert(err, qt.IsNil)

	stored, err := stg.Transfer(transfer.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.Status, qt.Equals, types.TransferConfirmed)
	c.Assert(stored.TransactionID, qt.Equals, transactionID)
	c.Assert(stored.OnChainTransferID.Equal(types.NewBigInt(4242)), qt.IsTrue)
	c.Assert(stored.SenderNonce, qt.Not(qt.IsNil))
}

func TestConfirmTransferReverted(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	client := &fakeClient{
		blockchain: types.Ethereum,
		status: &chains.SubmissionStatus{
			Completed:     true,
			Status:        types.TransferReverted,
			TransactionID: "0x64d214952b139c47cbeafb2d0f86f90705cb26edbe9a78dcbdedcba869b4e651",
		},
	}
	engine, _ := newTestEngine(t, stg, client, true)

	transfer := createTestTransfer(c, stg, types.Ethereum, types.BnbChain,
		testSourceToken, testDestToken)
	c.Assert(stg.UpdateTransferStatus(transfer.ID, types.TransferSubmitted), qt.IsNil)

	err := engine.handleConfirmTransfer(context.Background(),
		taskPayload(c, confirmTransferArgs{TransferID: transfer.ID, Handle: uuid.New()}))
	c.Assert(err, qt.IsNil)

	stored, err := stg.Transfer(transfer.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.Status, qt.Equals, types.TransferReverted)
	c.Assert(stored.TransactionID, qt.Equals, "")
	c.Assert(stored.SenderNonce, qt.IsNil)
}

func TestConfirmTransferUnresolvable(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	client := &fakeClient{
		blockchain: types.Ethereum,
		statusErr:  fmt.Errorf("handle vanished: %w", chains.ErrUnresolvableSubmission),
	}
	engine, _ := newTestEngine(t, stg, client, true)

	transfer := createTestTransfer(c, stg, types.Ethereum, types.BnbChain,
		testSourceToken, testDestToken)
	_, err := stg.AssignTransferNonce(transfer.ID, 5)
	c.Assert(err, qt.IsNil)
	c.Assert(stg.UpdateTransferStatus(transfer.ID, types.TransferSubmitted), qt.IsNil)

	err = engine.handleConfirmTransfer(context.Background(),
		taskPayload(c, confirmTransferArgs{TransferID: transfer.ID, Handle: uuid.New()}))
	c.Assert(err, qt.IsNil)

	stored, err := stg.Transfer(transfer.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(stored.Status, qt.Equals, types.TransferFailed)
	c.Assert(stored.BlockchainNonce, qt.IsNil)
	c.Assert(stored.SenderNonce, qt.IsNil)
}

func TestConfirmTransferStatusError(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	client := &fakeClient{blockchain: types.Ethereum, statusErr: errors.New("rpc down")}
	engine, _ := newTestEngine(t, stg, client, true)

	transfer := createTestTransfer(c, stg, types.Ethereum, types.BnbChain,
		testSourceToken, testDestToken)
	c.Assert(stg.UpdateTransferStatus(transfer.ID, types.TransferSubmitted), qt.IsNil)

	err := engine.handleConfirmTransfer(context.Background(),
		taskPayload(c, confirmTransferArgs{TransferID: transfer.ID, Handle: uuid.New()}))
	var retry *scheduler.Retry
	c.Assert(errors.As(err, &retry), qt.IsTrue)
	c.Assert(retry.After, qt.Equals, testIntervals.ConfirmRetryInterval)
	c.Assert(retry.Reason, qt.ErrorMatches,
		"unable to determine if a token transfer is confirmed: rpc down")
}

func TestFindTransfer(t *testing.T) {
	c := qt.New(t)
	stg := newTestStorage(t)
	client := &fakeClient{blockchain: types.Ethereum}
	engine, signer := newTestEngine(t, stg, client, true)

	now := time.Now()
	bid := signedBid(t, signer, types.Ethereum, types.BnbChain, now)
	req := testRequest(bid, now)
	taskID, err := engine.Initiate(req)
	c.Assert(err, qt.IsNil)

	found, err := engine.Find(taskID)
	c.Assert(err, qt.IsNil)
	c.Assert(found.TaskID, qt.Equals, taskID)
	c.Assert(found.SourceBlockchain, qt.Equals, types.Ethereum)
	c.Assert(found.DestinationBlockchain, qt.Equals, types.BnbChain)
	c.Assert(found.SenderAddress, qt.Equals, testSender)
	c.Assert(found.RecipientAddress, qt.Equals, testRecipient)
	c.Assert(found.Amount.Equal(req.Amount), qt.IsTrue)
	c.Assert(found.Fee.Equal(bid.Fee), qt.IsTrue)
	c.Assert(found.Status, qt.Equals, types.TransferAccepted)
	c.Assert(found.OnChainTransferID, qt.IsNil)
	c.Assert(found.TransactionID, qt.Equals, "")

	// the internal nonce-assigned refinement is reported as plain accepted
	transfer, err := stg.TransferByTaskID(taskID)
	c.Assert(err, qt.IsNil)
	_, err = stg.AssignTransferNonce(transfer.ID, 0)
	c.Assert(err, qt.IsNil)
	found, err = engine.Find(taskID)
	c.Assert(err, qt.IsNil)
	c.Assert(found.Status, qt.Equals, types.TransferAccepted)

	_, err = engine.Find(uuid.New())
	c.Assert(err, qt.ErrorIs, storage.ErrNotFound)
}
