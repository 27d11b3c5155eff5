package services

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"payment-service/models"
	"payment-service/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// ---- fake payment repository ----

// fakePaymentRepo mimics the Mongo repository's CAS semantics: status
// transitions only succeed while the payment is still pending, under a
// mutex so concurrent reconcilers race realistically.
type fakePaymentRepo struct {
	mu          sync.Mutex
	payments    map[primitive.ObjectID]*models.Payment
	byRef       map[string]primitive.ObjectID
	dupeOnFirst int // return ErrDuplicateRef for the first N creates
	createCalls int
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{
		payments: make(map[primitive.ObjectID]*models.Payment),
		byRef:    make(map[string]primitive.ObjectID),
	}
}

func (f *fakePaymentRepo) Create(_ context.Context, payment *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createCalls <= f.dupeOnFirst {
		return repository.ErrDuplicateRef
	}
	if _, ok := f.byRef[payment.TransactionRef]; ok {
		return repository.ErrDuplicateRef
	}
	payment.ID = primitive.NewObjectID()
	payment.CreatedAt = time.Now().UTC()
	cp := *payment
	f.payments[payment.ID] = &cp
	f.byRef[payment.TransactionRef] = payment.ID
	return nil
}

func (f *fakePaymentRepo) FindByID(_ context.Context, id primitive.ObjectID) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePaymentRepo) FindByTransactionRef(_ context.Context, ref string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byRef[ref]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *f.payments[id]
	return &cp, nil
}

func (f *fakePaymentRepo) MarkCompleted(_ context.Context, id primitive.ObjectID, responseData map[string]string) (*models.Payment, error) {
	return f.transition(id, models.PaymentStatusCompleted, responseData)
}

func (f *fakePaymentRepo) MarkFailed(_ context.Context, id primitive.ObjectID, responseData map[string]string) (*models.Payment, error) {
	return f.transition(id, models.PaymentStatusFailed, responseData)
}

func (f *fakePaymentRepo) transition(id primitive.ObjectID, status models.PaymentStatus, responseData map[string]string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok || p.Status != models.PaymentStatusPending {
		return nil, repository.ErrNotFound
	}
	now := time.Now().UTC()
	p.Status = status
	p.CompletedAt = &now
	p.ResponseData = responseData
	cp := *p
	return &cp, nil
}

func (f *fakePaymentRepo) SetOrderID(_ context.Context, paymentID, orderID primitive.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.payments[paymentID]; ok {
		p.OrderID = orderID
	}
	return nil
}

// ---- fake order repository ----

type fakeOrderRepo struct {
	mu          sync.Mutex
	byPayment   map[primitive.ObjectID]*models.Order
	created     int
	failCreates int // fail the next N creates
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{byPayment: make(map[primitive.ObjectID]*models.Order)}
}

func (f *fakeOrderRepo) Create(_ context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreates > 0 {
		f.failCreates--
		return errors.New("write timeout")
	}
	order.ID = primitive.NewObjectID()
	order.CreatedAt = time.Now().UTC()
	cp := *order
	f.byPayment[order.PaymentInfo.PaymentID] = &cp
	f.created++
	return nil
}

func (f *fakeOrderRepo) FindByPaymentID(_ context.Context, paymentID primitive.ObjectID) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byPayment[paymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// ---- fake product repository ----

type fakeProductRepo struct {
	mu           sync.Mutex
	products     map[primitive.ObjectID]*models.Product
	stockUpdates int
}

func newFakeProductRepo(products ...*models.Product) *fakeProductRepo {
	f := &fakeProductRepo{products: make(map[primitive.ObjectID]*models.Product)}
	for _, p := range products {
		f.products[p.ID] = p
	}
	return f
}

func (f *fakeProductRepo) FindByID(_ context.Context, id primitive.ObjectID) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	cp.Variations = append([]models.Variation(nil), p.Variations...)
	return &cp, nil
}

func (f *fakeProductRepo) UpdateStock(_ context.Context, product *models.Product) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stockUpdates++
	cp := *product
	cp.Variations = append([]models.Variation(nil), product.Variations...)
	f.products[product.ID] = &cp
	return nil
}

// ---- fake cart store / event sinks ----

type fakeCartStore struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeCartStore) ClearCart(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, userID)
	return nil
}

type fakeProducer struct {
	mu     sync.Mutex
	events []models.PaymentEvent
}

func (f *fakeProducer) SendPaymentEvent(_ context.Context, event models.PaymentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (f *fakePublisher) Publish(_ context.Context, eventType string, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, eventType)
	return nil
}

// ---- harness ----

type harness struct {
	svc      *PaymentService
	payments *fakePaymentRepo
	orders   *fakeOrderRepo
	products *fakeProductRepo
	carts    *fakeCartStore
	producer *fakeProducer
	pub      *fakePublisher
	gateway  *VNPayClient
}

func newHarness(products ...*models.Product) *harness {
	h := &harness{
		payments: newFakePaymentRepo(),
		orders:   newFakeOrderRepo(),
		products: newFakeProductRepo(products...),
		carts:    &fakeCartStore{},
		producer: &fakeProducer{},
		pub:      &fakePublisher{},
		gateway:  testClient(),
	}
	h.svc = NewPaymentService(h.payments, h.orders, h.products, h.carts, h.gateway, h.producer, h.pub, zap.NewNop())
	return h
}

func (h *harness) seedPendingPayment(t *testing.T, amount int64, items ...models.SnapshotItem) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		UserID:         "user-1",
		Amount:         amount,
		PaymentType:    "VNPay",
		TransactionRef: "202501011200001",
		Status:         models.PaymentStatusPending,
		OrderDetails: models.OrderSnapshot{
			Items: items,
			ShippingAddress: models.ShippingAddress{
				FullName: "Nguyen Van A", PhoneNumber: "0900000000",
				Province: "Ha Noi", District: "Cau Giay", Ward: "Dich Vong", Street: "1 Pham Van Dong",
			},
			ShippingFee: 30000,
		},
	}
	require.NoError(t, h.payments.Create(context.Background(), payment))
	return payment
}

// signedCallback builds a callback query signed with the test secret.
// mutate runs after signing, so tamper cases keep the original hash.
func (h *harness) signedCallback(txnRef, responseCode string, amountVND int64, mutate func(url.Values)) url.Values {
	params := map[string]string{
		"vnp_TmnCode":       "TESTCODE",
		"vnp_TxnRef":        txnRef,
		"vnp_ResponseCode":  responseCode,
		"vnp_Amount":        strconv.FormatInt(amountVND*100, 10),
		"vnp_BankCode":      "NCB",
		"vnp_PayDate":       "20250101120500",
		"vnp_TransactionNo": "14479164",
		"vnp_OrderInfo":     "Thanh toan don hang " + txnRef,
	}
	sig := h.gateway.sign(hashData(params))

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("vnp_SecureHash", sig)
	if mutate != nil {
		mutate(q)
	}
	return q
}

func snapshotItem(productID primitive.ObjectID, color, size string, qty int, price int64) models.SnapshotItem {
	return models.SnapshotItem{ProductID: productID, Name: "Ao thun", Color: color, Size: size, Quantity: qty, Price: price}
}

func testProduct(color, size string, stock int) *models.Product {
	return &models.Product{
		ID:    primitive.NewObjectID(),
		Name:  "Ao thun",
		Image: "tshirt.jpg",
		Price: 250000,
		Variations: []models.Variation{
			{Color: color, Size: size, Quantity: stock},
		},
		Quantity: stock,
		Status:   models.ProductStatusActive,
	}
}

// ---- intent builder ----

func TestCreatePayment_RejectsNonPositiveAmount(t *testing.T) {
	h := newHarness()
	for _, amount := range []int64{0, -500000} {
		_, serviceErr := h.svc.CreatePayment(context.Background(), "user-1", "203.0.113.7", &CreatePaymentRequest{
			Items: []PaymentItemRequest{{ProductID: primitive.NewObjectID().Hex(), Quantity: 1, Price: 100}},
			Total: amount,
		})
		require.NotNil(t, serviceErr)
		assert.Equal(t, 400, serviceErr.StatusCode)
	}
	assert.Zero(t, h.payments.createCalls, "nothing may be persisted on rejection")
}

func TestCreatePayment_RejectsEmptySnapshot(t *testing.T) {
	h := newHarness()
	_, serviceErr := h.svc.CreatePayment(context.Background(), "user-1", "203.0.113.7", &CreatePaymentRequest{
		Items: nil,
		Total: 500000,
	})
	require.NotNil(t, serviceErr)
	assert.Equal(t, 400, serviceErr.StatusCode)
}

func TestCreatePayment_PersistsPendingIntentAndBuildsURL(t *testing.T) {
	h := newHarness()
	productID := primitive.NewObjectID()

	resp, serviceErr := h.svc.CreatePayment(context.Background(), "user-1", "203.0.113.7", &CreatePaymentRequest{
		Items: []PaymentItemRequest{
			{ProductID: productID.Hex(), Color: "red", Size: "M", Quantity: 2, Price: 250000},
		},
		ShippingAddress: models.ShippingAddress{FullName: "Nguyen Van A"},
		ShippingFee:     30000,
		Total:           530000,
	})
	require.Nil(t, serviceErr)
	require.NotNil(t, resp)

	u, err := url.Parse(resp.PaymentURL)
	require.NoError(t, err)
	q := u.Query()

	ref := q.Get("vnp_TxnRef")
	assert.Len(t, ref, 15, "gateway caps the ref at 15 chars")
	assert.Equal(t, "53000000", q.Get("vnp_Amount"))
	assert.True(t, h.gateway.VerifySignature(q))

	stored, err := h.payments.FindByTransactionRef(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, stored.Status)
	assert.Equal(t, int64(530000), stored.Amount)
	require.Len(t, stored.OrderDetails.Items, 1)
	assert.Equal(t, productID, stored.OrderDetails.Items[0].ProductID)
	assert.Equal(t, resp.PaymentID, stored.ID.Hex())
}

func TestCreatePayment_RegeneratesRefOnCollision(t *testing.T) {
	h := newHarness()
	h.payments.dupeOnFirst = 2

	resp, serviceErr := h.svc.CreatePayment(context.Background(), "user-1", "203.0.113.7", &CreatePaymentRequest{
		Items: []PaymentItemRequest{{ProductID: primitive.NewObjectID().Hex(), Quantity: 1, Price: 100000}},
		Total: 100000,
	})
	require.Nil(t, serviceErr)
	require.NotNil(t, resp)
	assert.Equal(t, 3, h.payments.createCalls)
}

func TestCreatePayment_RejectsMalformedProductID(t *testing.T) {
	h := newHarness()
	_, serviceErr := h.svc.CreatePayment(context.Background(), "user-1", "203.0.113.7", &CreatePaymentRequest{
		Items: []PaymentItemRequest{{ProductID: "not-an-object-id", Quantity: 1, Price: 100000}},
		Total: 100000,
	})
	require.NotNil(t, serviceErr)
	assert.Equal(t, 400, serviceErr.StatusCode)
}

// ---- reconciler ----

func TestReconcile_SuccessMaterializesOrderOnce(t *testing.T) {
	product := testProduct("red", "M", 5)
	h := newHarness(product)
	payment := h.seedPendingPayment(t, 500000, snapshotItem(product.ID, "red", "M", 2, 250000))

	q := h.signedCallback(payment.TransactionRef, "00", 500000, nil)
	result := h.svc.Reconcile(context.Background(), "ipn", q)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "00", result.RspCode)
	require.NotNil(t, result.Order)
	assert.Equal(t, models.OrderStatusPending, result.Order.Status, "payment success must not auto-confirm")
	assert.Equal(t, int64(500000), result.Order.TotalAmount)
	assert.Equal(t, payment.TransactionRef, result.Order.PaymentInfo.TransactionRef)

	assert.Equal(t, 1, h.orders.created)

	stored, err := h.products.FindByID(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Variations[0].Quantity)
	assert.Equal(t, 3, stored.Quantity)

	assert.Equal(t, []string{"user-1"}, h.carts.cleared)

	updated, err := h.payments.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, updated.Status)
	assert.NotNil(t, updated.CompletedAt)
	assert.Equal(t, result.Order.ID, updated.OrderID)

	require.Len(t, h.producer.events, 1)
	assert.Equal(t, models.PaymentEventSucceeded, h.producer.events[0].Type)
}

func TestReconcile_IdempotentAcrossRedundantCallbacks(t *testing.T) {
	product := testProduct("red", "M", 5)
	h := newHarness(product)
	payment := h.seedPendingPayment(t, 500000, snapshotItem(product.ID, "red", "M", 2, 250000))

	q := h.signedCallback(payment.TransactionRef, "00", 500000, nil)

	first := h.svc.Reconcile(context.Background(), "ipn", q)
	assert.Equal(t, OutcomeCompleted, first.Outcome)

	for i := 0; i < 3; i++ {
		again := h.svc.Reconcile(context.Background(), "return", q)
		assert.Equal(t, OutcomeAlreadyProcessed, again.Outcome)
		assert.Equal(t, "00", again.RspCode)
		require.NotNil(t, again.Order, "the stored order is re-surfaced for display")
	}

	assert.Equal(t, 1, h.orders.created)
	assert.Equal(t, 1, h.products.stockUpdates, "stock is decremented exactly once")
}

func TestReconcile_ReturnAndIPNRace(t *testing.T) {
	product := testProduct("red", "M", 5)
	h := newHarness(product)
	payment := h.seedPendingPayment(t, 500000, snapshotItem(product.ID, "red", "M", 2, 250000))

	q := h.signedCallback(payment.TransactionRef, "00", 500000, nil)

	outcomes := make(chan ReconcileOutcome, 2)
	var wg sync.WaitGroup
	for _, channel := range []string{"return", "ipn"} {
		wg.Add(1)
		go func(ch string) {
			defer wg.Done()
			outcomes <- h.svc.Reconcile(context.Background(), ch, q).Outcome
		}(channel)
	}
	wg.Wait()
	close(outcomes)

	completed, already := 0, 0
	for o := range outcomes {
		switch o {
		case OutcomeCompleted:
			completed++
		case OutcomeAlreadyProcessed:
			already++
		default:
			t.Fatalf("unexpected outcome %q", o)
		}
	}

	assert.Equal(t, 1, completed, "exactly one caller wins the CAS")
	assert.Equal(t, 1, already)
	assert.Equal(t, 1, h.orders.created, "the race must never create two orders")

	stored, err := h.products.FindByID(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Variations[0].Quantity)
}

func TestReconcile_RejectsTamperedAmount(t *testing.T) {
	product := testProduct("red", "M", 5)
	h := newHarness(product)
	payment := h.seedPendingPayment(t, 500000, snapshotItem(product.ID, "red", "M", 2, 250000))

	q := h.signedCallback(payment.TransactionRef, "00", 500000, func(q url.Values) {
		q.Set("vnp_Amount", "100") // tampered after signing
	})
	result := h.svc.Reconcile(context.Background(), "ipn", q)

	assert.Equal(t, OutcomeInvalidSignature, result.Outcome)
	assert.Equal(t, "97", result.RspCode)
	assert.Zero(t, h.orders.created)

	stored, err := h.payments.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, stored.Status, "state untouched on rejection")
}

func TestReconcile_RejectsAmountMismatchDespiteValidSignature(t *testing.T) {
	product := testProduct("red", "M", 5)
	h := newHarness(product)
	payment := h.seedPendingPayment(t, 500000, snapshotItem(product.ID, "red", "M", 2, 250000))

	// Properly signed callback, but for the wrong amount.
	q := h.signedCallback(payment.TransactionRef, "00", 999999, nil)
	result := h.svc.Reconcile(context.Background(), "ipn", q)

	assert.Equal(t, OutcomeAmountMismatch, result.Outcome)
	assert.Equal(t, "04", result.RspCode)
	assert.Zero(t, h.orders.created)

	stored, err := h.payments.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, stored.Status)
}

func TestReconcile_UnknownTransaction(t *testing.T) {
	h := newHarness()
	q := h.signedCallback("209901010000009", "00", 500000, nil)
	result := h.svc.Reconcile(context.Background(), "ipn", q)

	assert.Equal(t, OutcomeNotFound, result.Outcome)
	assert.Equal(t, "01", result.RspCode)
	assert.Zero(t, h.orders.created)
	assert.Empty(t, h.payments.payments, "a callback must never create a payment")
}

func TestReconcile_MalformedCallbackFailsClosed(t *testing.T) {
	h := newHarness()
	q := url.Values{}
	q.Set("vnp_ResponseCode", "00")

	result := h.svc.Reconcile(context.Background(), "ipn", q)
	assert.Equal(t, OutcomeInvalidSignature, result.Outcome)
	assert.Equal(t, "97", result.RspCode)
}

func TestReconcile_FailureCodeMarksFailed(t *testing.T) {
	product := testProduct("red", "M", 5)
	h := newHarness(product)
	payment := h.seedPendingPayment(t, 500000, snapshotItem(product.ID, "red", "M", 2, 250000))

	q := h.signedCallback(payment.TransactionRef, "24", 500000, nil) // customer cancelled
	result := h.svc.Reconcile(context.Background(), "return", q)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "00", result.RspCode, "a recorded failure still acknowledges the callback")
	assert.Zero(t, h.orders.created)

	stored, err := h.payments.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, stored.Status)

	stockHolder, err := h.products.FindByID(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stockHolder.Variations[0].Quantity, "no stock movement on failure")

	require.Len(t, h.producer.events, 1)
	assert.Equal(t, models.PaymentEventFailed, h.producer.events[0].Type)
}

func TestReconcile_RetryFinishesMaterializationAfterOrderWriteFailure(t *testing.T) {
	h := newHarness() // no product seeded, so stock is untouched either way
	payment := h.seedPendingPayment(t, 500000,
		snapshotItem(primitive.NewObjectID(), "red", "M", 2, 250000))
	h.orders.failCreates = 1

	q := h.signedCallback(payment.TransactionRef, "00", 500000, nil)

	// The CAS commits, then the order write dies. RspCode 99 keeps the
	// gateway retrying.
	first := h.svc.Reconcile(context.Background(), "ipn", q)
	assert.Equal(t, OutcomeInternalError, first.Outcome)
	assert.Equal(t, "99", first.RspCode)
	assert.Zero(t, h.orders.created)

	stored, err := h.payments.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, stored.Status)

	// The retry hits the already-completed branch, sees no order, and
	// finishes the materialization before acknowledging.
	second := h.svc.Reconcile(context.Background(), "ipn", q)
	assert.Equal(t, OutcomeAlreadyProcessed, second.Outcome)
	assert.Equal(t, "00", second.RspCode)
	require.NotNil(t, second.Order)
	assert.Equal(t, 1, h.orders.created)
	assert.Equal(t, []string{"user-1"}, h.carts.cleared)

	linked, err := h.payments.FindByID(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Order.ID, linked.OrderID)
}

func TestReconcile_StockClampedAtZero(t *testing.T) {
	product := testProduct("red", "M", 1)
	h := newHarness(product)
	payment := h.seedPendingPayment(t, 500000, snapshotItem(product.ID, "red", "M", 5, 100000))

	q := h.signedCallback(payment.TransactionRef, "00", 500000, nil)
	result := h.svc.Reconcile(context.Background(), "ipn", q)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	stored, err := h.products.FindByID(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Variations[0].Quantity, "stock never goes negative")
	assert.Equal(t, 0, stored.Quantity)
	assert.Equal(t, models.ProductStatusOutOfStock, stored.Status)
	assert.Equal(t, 1, h.orders.created, "the paid order is still created")
}

func TestReconcile_MissingProductDoesNotAbortOrder(t *testing.T) {
	h := newHarness() // no products seeded
	payment := h.seedPendingPayment(t, 500000,
		snapshotItem(primitive.NewObjectID(), "red", "M", 2, 250000))

	q := h.signedCallback(payment.TransactionRef, "00", 500000, nil)
	result := h.svc.Reconcile(context.Background(), "ipn", q)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 1, h.orders.created)
	assert.Zero(t, h.products.stockUpdates)
	require.NotNil(t, result.Order)
	assert.Len(t, result.Order.Items, 1, "the line item survives without its product")
}

func TestGetPayment(t *testing.T) {
	h := newHarness()
	payment := h.seedPendingPayment(t, 500000,
		snapshotItem(primitive.NewObjectID(), "red", "M", 1, 500000))

	got, serviceErr := h.svc.GetPayment(context.Background(), payment.ID.Hex())
	require.Nil(t, serviceErr)
	assert.Equal(t, payment.TransactionRef, got.TransactionRef)

	_, serviceErr = h.svc.GetPayment(context.Background(), "not-hex")
	require.NotNil(t, serviceErr)
	assert.Equal(t, 400, serviceErr.StatusCode)

	_, serviceErr = h.svc.GetPayment(context.Background(), primitive.NewObjectID().Hex())
	require.NotNil(t, serviceErr)
	assert.Equal(t, 404, serviceErr.StatusCode)
}
