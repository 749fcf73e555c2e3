package negotiation

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ashureev/dealbroker/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	mu        sync.Mutex
	rounds    []domain.Round
	completed []domain.Session
	appendErr error
}

func (m *memRecorder) AppendRound(_ context.Context, r *domain.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.rounds = append(m.rounds, *r)
	return nil
}

func (m *memRecorder) CompleteSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, *s)
	return nil
}

type recordingObserver struct {
	rounds int
	closed int
}

func (o *recordingObserver) RoundAppended(*domain.Session, domain.Round) { o.rounds++ }
func (o *recordingObserver) SessionClosed(*domain.Session)               { o.closed++ }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newSession(floor, ceiling string, limit int) *domain.Session {
	return &domain.Session{
		ID: "sess-1", BuyerRef: "buyer", SellerRef: "seller", ItemRef: "item",
		Currency: "USDC", OpeningPrice: dec("100"), FloorPrice: dec(floor), CeilingPrice: dec(ceiling),
		RoundLimit: limit, Status: domain.SessionInProgress,
	}
}

func run(t *testing.T, sess *domain.Session, pair strategy.Pair) (domain.Transcript, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	e := NewEngine(rec, nil, DefaultConfig(), nil)
	transcript, err := e.Run(context.Background(), sess, pair, "lamp")
	require.NoError(t, err)
	require.Len(t, rec.completed, 1)
	return transcript, rec
}

func concession() strategy.Pair {
	c := strategy.NewConcession()
	return strategy.Pair{Seller: c, Buyer: c}
}

func assertWellFormed(t *testing.T, sess *domain.Session, transcript domain.Transcript) {
	t.Helper()
	require.GreaterOrEqual(t, len(transcript), 1)
	require.LessOrEqual(t, len(transcript), 2*sess.RoundLimit)
	for i, r := range transcript {
		assert.Equal(t, i+1, r.Seq)
		assert.Equal(t, i/2+1, r.Number)
		if i%2 == 0 {
			assert.Equal(t, domain.RoleSeller, r.Role)
			assert.Equal(t, "seller", r.SenderRef)
			assert.Equal(t, "buyer", r.ReceiverRef)
		} else {
			assert.Equal(t, domain.RoleBuyer, r.Role)
			assert.Equal(t, "buyer", r.SenderRef)
		}
	}
}

func TestScenarioAAgreesInsideWindow(t *testing.T) {
	sess := newSession("80", "90", 5)
	transcript, _ := run(t, sess, concession())

	assert.Equal(t, domain.SessionAgreed, sess.Status)
	require.NotNil(t, sess.FinalPrice)
	assert.True(t, sess.FinalPrice.GreaterThanOrEqual(dec("80")))
	assert.True(t, sess.FinalPrice.LessThanOrEqual(dec("90")))
	assert.False(t, sess.OverBudget)
	assertWellFormed(t, sess, transcript)
}

func TestScenarioBNoAgreement(t *testing.T) {
	sess := newSession("95", "70", 5)
	transcript, _ := run(t, sess, concession())

	assert.Equal(t, domain.SessionFailed, sess.Status)
	assert.Equal(t, domain.ReasonNoAgreement, sess.Reason)
	assert.Nil(t, sess.FinalPrice)
	assert.Equal(t, 5, sess.RoundsCompleted)
	assert.Len(t, transcript, 10)
	assertWellFormed(t, sess, transcript)
}

func TestSellerAcceptUsesLastBuyerPrice(t *testing.T) {
	sess := newSession("80", "90", 5)
	pair := strategy.Pair{
		Seller: strategy.Scripted{{Price: 100}, {Price: 82, Accept: true}},
		Buyer:  strategy.Scripted{{Price: 82}},
	}
	transcript, _ := run(t, sess, pair)

	assert.Equal(t, domain.SessionAgreed, sess.Status)
	assert.True(t, sess.FinalPrice.Equal(dec("82")))
	assert.Len(t, transcript, 3)
}

func TestSellerAcceptOnFirstRoundIsInvalid(t *testing.T) {
	sess := newSession("80", "90", 5)
	pair := strategy.Pair{
		Seller: strategy.Scripted{{Price: 100, Accept: true}},
		Buyer:  strategy.Scripted{{Price: 60}},
	}
	transcript, rec := run(t, sess, pair)

	assert.Equal(t, domain.SessionFailed, sess.Status)
	assert.Equal(t, domain.ReasonInvalidProposal, sess.Reason)
	assert.Empty(t, transcript)
	assert.Empty(t, rec.rounds)
	assert.Equal(t, 0, sess.RoundsCompleted)
}

func TestBuyerAcceptUsesSellerPrice(t *testing.T) {
	sess := newSession("80", "90", 5)
	pair := strategy.Pair{
		Seller: strategy.Scripted{{Price: 100}, {Price: 88}},
		Buyer:  strategy.Scripted{{Price: 70}, {Price: 88, Accept: true}},
	}
	run(t, sess, pair)

	assert.Equal(t, domain.SessionAgreed, sess.Status)
	assert.True(t, sess.FinalPrice.Equal(dec("88")))
	assert.Equal(t, 2, sess.RoundsCompleted)
}

func TestCrossingOffersSettleAtMidpoint(t *testing.T) {
	tests := []struct {
		name   string
		seller float64
		buyer  float64
		want   string
	}{
		{"plain midpoint", 84, 86, "85"},
		{"half cent rounds up", 80, 80.01, "80.01"},
		{"identical figures", 85.5, 85.5, "85.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newSession("80", "90", 5)
			pair := strategy.Pair{
				Seller: strategy.Scripted{{Price: tt.seller}},
				Buyer:  strategy.Scripted{{Price: tt.buyer}},
			}
			run(t, sess, pair)
			assert.Equal(t, domain.SessionAgreed, sess.Status)
			assert.True(t, sess.FinalPrice.Equal(dec(tt.want)), "got %s want %s", sess.FinalPrice, tt.want)
		})
	}
}

func TestScenarioCOverBudgetStillAgreed(t *testing.T) {
	sess := newSession("80", "80", 5)
	pair := strategy.Pair{
		Seller: strategy.Scripted{{Price: 85}},
		Buyer:  strategy.Scripted{{Price: 85, Accept: true}},
	}
	run(t, sess, pair)

	assert.Equal(t, domain.SessionAgreed, sess.Status)
	assert.True(t, sess.FinalPrice.Equal(dec("85")))
	assert.True(t, sess.OverBudget)
}

func TestRejectTerminatesSession(t *testing.T) {
	sess := newSession("80", "90", 5)
	pair := strategy.Pair{
		Seller: strategy.Scripted{{Price: 100}},
		Buyer:  strategy.Scripted{{Reject: true, Message: "too expensive"}},
	}
	run(t, sess, pair)

	assert.Equal(t, domain.SessionRejected, sess.Status)
	assert.Equal(t, domain.ReasonRejectedByBuyer, sess.Reason)
	assert.Nil(t, sess.FinalPrice)
}

func TestInvalidProposalsFailWithoutPersisting(t *testing.T) {
	tests := []struct {
		name   string
		seller strategy.Strategy
		buyer  strategy.Strategy
		rounds int
	}{
		{"nan seller", strategy.Scripted{{Price: math.NaN()}}, strategy.Scripted{{Price: 1}}, 0},
		{"inf buyer", strategy.Scripted{{Price: 100}}, strategy.Scripted{{Price: math.Inf(1)}}, 1},
		{"negative buyer", strategy.Scripted{{Price: 100}}, strategy.Scripted{{Price: -1}}, 1},
		{"seller below floor", strategy.Scripted{{Price: 79.99}}, strategy.Scripted{{Price: 1}}, 0},
		{"buyer above ceiling", strategy.Scripted{{Price: 100}}, strategy.Scripted{{Price: 90.01}}, 1},
		{"strategy error", strategy.Func(func(context.Context, strategy.State) (strategy.Proposal, error) {
			return strategy.Proposal{}, errors.New("model unavailable")
		}), strategy.Scripted{{Price: 1}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newSession("80", "90", 5)
			transcript, rec := run(t, sess, strategy.Pair{Seller: tt.seller, Buyer: tt.buyer})
			assert.Equal(t, domain.SessionFailed, sess.Status)
			assert.Equal(t, domain.ReasonInvalidProposal, sess.Reason)
			assert.Len(t, transcript, tt.rounds)
			assert.Len(t, rec.rounds, tt.rounds)
		})
	}
}

func TestCancellationBetweenRounds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := newSession("80", "90", 5)
	buyer := strategy.Func(func(_ context.Context, s strategy.State) (strategy.Proposal, error) {
		cancel()
		return strategy.Proposal{Price: 60}, nil
	})
	rec := &memRecorder{}
	obs := &recordingObserver{}
	transcript, err := NewEngine(rec, obs, DefaultConfig(), nil).
		Run(ctx, sess, strategy.Pair{Seller: strategy.NewConcession(), Buyer: buyer}, "lamp")
	require.NoError(t, err)

	assert.Equal(t, domain.SessionFailed, sess.Status)
	assert.Equal(t, domain.ReasonCancelled, sess.Reason)
	assert.Len(t, transcript, 2)
	assert.Len(t, rec.rounds, 2)
	assert.Equal(t, 2, obs.rounds)
	assert.Equal(t, 1, obs.closed)
}

func TestPersistFailureIsReturned(t *testing.T) {
	rec := &memRecorder{appendErr: errors.New("disk full")}
	_, err := NewEngine(rec, nil, DefaultConfig(), nil).
		Run(context.Background(), newSession("80", "90", 5), concession(), "lamp")
	require.Error(t, err)
	assert.Empty(t, rec.completed)
}

func TestStrategySeesFullHistory(t *testing.T) {
	sess := newSession("80", "90", 3)
	var seen []int
	buyer := strategy.Func(func(_ context.Context, s strategy.State) (strategy.Proposal, error) {
		seen = append(seen, len(s.History))
		assert.True(t, s.Limit.Equal(dec("90")))
		return strategy.Proposal{Price: 50}, nil
	})
	run(t, sess, strategy.Pair{Seller: strategy.Scripted{{Price: 100}, {Price: 95}, {Price: 90}}, Buyer: buyer})
	assert.Equal(t, []int{1, 3, 5}, seen)
}

func TestReplayReproducesOutcome(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		opening := decimal.NewFromInt(int64(20 + rng.Intn(500)))
		floor := domain.Cents(opening.Mul(decimal.NewFromFloat(0.5 + rng.Float64()*0.5)))
		ceiling := decimal.NewFromInt(int64(1 + rng.Intn(600)))
		sess := newSession(floor.String(), ceiling.String(), 1+rng.Intn(8))
		sess.OpeningPrice = opening

		c := strategy.Concession{BuyerOpeningRatio: 0.2 + rng.Float64()*0.8}
		transcript, _ := run(t, sess, strategy.Pair{Seller: c, Buyer: c})

		out, err := Replay(TermsOf(sess), transcript)
		require.NoError(t, err)
		require.True(t, out.Done)
		assert.Equal(t, sess.Status, out.Status)
		if sess.FinalPrice == nil {
			assert.Nil(t, out.FinalPrice)
		} else {
			require.NotNil(t, out.FinalPrice)
			assert.True(t, sess.FinalPrice.Equal(*out.FinalPrice))
		}
		assertWellFormed(t, sess, transcript)
	}
}

func TestReplayRejectsMalformedTranscript(t *testing.T) {
	terms := Terms{Floor: dec("80"), Ceiling: dec("90"), RoundLimit: 5}
	bad := domain.Transcript{
		{Seq: 1, Number: 1, Role: domain.RoleBuyer, Price: dec("60")},
	}
	_, err := Replay(terms, bad)
	assert.Error(t, err)

	trailing := domain.Transcript{
		{Seq: 1, Number: 1, Role: domain.RoleSeller, Price: dec("85")},
		{Seq: 2, Number: 1, Role: domain.RoleBuyer, Price: dec("86")},
		{Seq: 3, Number: 2, Role: domain.RoleSeller, Price: dec("85")},
	}
	_, err = Replay(terms, trailing)
	assert.Error(t, err)
}
