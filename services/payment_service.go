package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"payment-service/database"
	"payment-service/models"
	"payment-service/repository"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return e.Message
}

// EventProducer is the Kafka side-channel for payment lifecycle events.
type EventProducer interface {
	SendPaymentEvent(ctx context.Context, event models.PaymentEvent) error
}

// EventPublisher is the SNS fan-out. Both sinks are best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
}

const maxRefAttempts = 5

type PaymentService struct {
	payments  repository.PaymentRepository
	orders    repository.OrderRepository
	products  repository.ProductRepository
	carts     database.CartStore
	gateway   *VNPayClient
	producer  EventProducer
	publisher EventPublisher
	log       *zap.Logger
}

func NewPaymentService(
	payments repository.PaymentRepository,
	orders repository.OrderRepository,
	products repository.ProductRepository,
	carts database.CartStore,
	gateway *VNPayClient,
	producer EventProducer,
	publisher EventPublisher,
	log *zap.Logger,
) *PaymentService {
	return &PaymentService{
		payments:  payments,
		orders:    orders,
		products:  products,
		carts:     carts,
		gateway:   gateway,
		producer:  producer,
		publisher: publisher,
		log:       log,
	}
}

type PaymentItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Name      string `json:"name"`
	Image     string `json:"image"`
	Color     string `json:"color"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
	Price     int64  `json:"price" binding:"required,min=0"`
}

type CreatePaymentRequest struct {
	Items           []PaymentItemRequest   `json:"items" binding:"required,dive"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	ShippingFee     int64                  `json:"shipping_fee"`
	Total           int64                  `json:"total"`
	BankCode        string                 `json:"bank_code"`
}

type CreatePaymentResponse struct {
	PaymentID  string `json:"payment_id"`
	PaymentURL string `json:"payment_url"`
}

// CreatePayment persists a pending payment with the order snapshot
// embedded and returns the signed gateway redirect URL. The snapshot is
// the source of truth for later materialization; the live cart is never
// consulted again.
func (s *PaymentService) CreatePayment(ctx context.Context, userID, clientIP string, req *CreatePaymentRequest) (*CreatePaymentResponse, *ServiceError) {
	if req.Total <= 0 {
		return nil, &ServiceError{StatusCode: 400, Message: "Amount must be a positive integer"}
	}
	if len(req.Items) == 0 {
		return nil, &ServiceError{StatusCode: 400, Message: "At least one item is required"}
	}

	snapshot := models.OrderSnapshot{
		Items:           make([]models.SnapshotItem, 0, len(req.Items)),
		ShippingAddress: req.ShippingAddress,
		ShippingFee:     req.ShippingFee,
	}
	for _, item := range req.Items {
		productID, err := primitive.ObjectIDFromHex(item.ProductID)
		if err != nil {
			return nil, &ServiceError{StatusCode: 400, Message: fmt.Sprintf("Invalid product ID %q", item.ProductID)}
		}
		snapshot.Items = append(snapshot.Items, models.SnapshotItem{
			ProductID: productID,
			Name:      item.Name,
			Image:     item.Image,
			Color:     item.Color,
			Size:      item.Size,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}

	var payment *models.Payment
	for attempt := 0; ; attempt++ {
		payment = &models.Payment{
			UserID:         userID,
			Amount:         req.Total,
			PaymentType:    "VNPay",
			TransactionRef: generateTxnRef(),
			Status:         models.PaymentStatusPending,
			OrderDetails:   snapshot,
		}
		err := s.payments.Create(ctx, payment)
		if err == nil {
			break
		}
		if errors.Is(err, repository.ErrDuplicateRef) && attempt < maxRefAttempts {
			continue
		}
		s.log.Error("failed to create payment", zap.Error(err), zap.String("user_id", userID))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to create payment"}
	}

	paymentURL := s.gateway.BuildPaymentURL(PaymentURLRequest{
		TxnRef:    payment.TransactionRef,
		Amount:    payment.Amount,
		OrderInfo: "Thanh toan don hang " + payment.TransactionRef,
		IPAddr:    clientIP,
		BankCode:  req.BankCode,
		CreatedAt: time.Now(),
	})

	s.log.Info("payment created",
		zap.String("payment_id", payment.ID.Hex()),
		zap.String("transaction_ref", payment.TransactionRef),
		zap.Int64("amount", payment.Amount),
		zap.String("user_id", userID),
	)

	return &CreatePaymentResponse{
		PaymentID:  payment.ID.Hex(),
		PaymentURL: paymentURL,
	}, nil
}

// generateTxnRef builds the gateway correlation id: a 14-char timestamp
// plus one random digit. VNPay caps the field at 15 characters. The
// unique index catches same-second collisions.
func generateTxnRef() string {
	return time.Now().Format(vnpDateFormat) + fmt.Sprintf("%d", rand.Intn(10))
}

// GetPayment returns a payment by id; the mobile client polls this
// while the gateway WebView is open.
func (s *PaymentService) GetPayment(ctx context.Context, id string) (*models.Payment, *ServiceError) {
	paymentID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, &ServiceError{StatusCode: 400, Message: "Invalid payment ID format"}
	}
	payment, err := s.payments.FindByID(ctx, paymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ServiceError{StatusCode: 404, Message: "Payment not found"}
	}
	if err != nil {
		s.log.Error("failed to fetch payment", zap.Error(err), zap.String("payment_id", id))
		return nil, &ServiceError{StatusCode: 500, Message: "Failed to fetch payment"}
	}
	return payment, nil
}

// ReconcileOutcome classifies the result of processing one callback.
type ReconcileOutcome string

const (
	OutcomeCompleted        ReconcileOutcome = "completed"
	OutcomeFailed           ReconcileOutcome = "failed"
	OutcomeAlreadyProcessed ReconcileOutcome = "already_processed"
	OutcomeNotFound         ReconcileOutcome = "not_found"
	OutcomeInvalidSignature ReconcileOutcome = "invalid_signature"
	OutcomeAmountMismatch   ReconcileOutcome = "amount_mismatch"
	OutcomeInternalError    ReconcileOutcome = "internal_error"
)

// ReconcileResult is what either callback channel renders from. RspCode
// and Message follow the VNPay IPN acknowledgment protocol.
type ReconcileResult struct {
	Outcome ReconcileOutcome
	Payment *models.Payment
	Order   *models.Order
	RspCode string
	Message string
}

// Reconcile is the shared core behind the return and IPN endpoints.
// Both channels deliver at-least-once and in no particular order, so
// every step must tolerate being replayed or raced. The status CAS in
// MarkCompleted is the only lock; no in-process mutex is held across
// store calls.
func (s *PaymentService) Reconcile(ctx context.Context, channel string, query url.Values) *ReconcileResult {
	data, err := ParseCallback(query)
	if err != nil {
		// Malformed callbacks fail closed, same as a bad signature.
		s.log.Warn("malformed gateway callback", zap.String("channel", channel), zap.Error(err))
		return &ReconcileResult{Outcome: OutcomeInvalidSignature, RspCode: "97", Message: "Invalid signature"}
	}

	payment, err := s.payments.FindByTransactionRef(ctx, data.TxnRef)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.Warn("callback for unknown transaction",
			zap.String("channel", channel), zap.String("transaction_ref", data.TxnRef))
		return &ReconcileResult{Outcome: OutcomeNotFound, RspCode: "01", Message: "Payment not found"}
	}
	if err != nil {
		s.log.Error("payment lookup failed", zap.Error(err), zap.String("transaction_ref", data.TxnRef))
		return &ReconcileResult{Outcome: OutcomeInternalError, RspCode: "99", Message: "Internal Error"}
	}

	if !s.gateway.VerifySignature(query) {
		s.log.Warn("invalid callback signature",
			zap.String("channel", channel), zap.String("transaction_ref", data.TxnRef))
		return &ReconcileResult{Outcome: OutcomeInvalidSignature, Payment: payment, RspCode: "97", Message: "Invalid signature"}
	}

	// The signature alone is not enough: the callback amount must match
	// the stored record, never the other way around.
	if data.AmountVND() != payment.Amount {
		s.log.Warn("callback amount mismatch",
			zap.String("channel", channel),
			zap.String("transaction_ref", data.TxnRef),
			zap.Int64("callback_amount", data.AmountVND()),
			zap.Int64("stored_amount", payment.Amount))
		return &ReconcileResult{Outcome: OutcomeAmountMismatch, Payment: payment, RspCode: "04", Message: "Invalid amount"}
	}

	if payment.Status.Terminal() {
		return s.alreadyProcessed(ctx, channel, payment)
	}

	responseData := flattenQuery(query)

	if !data.Succeeded() {
		return s.reconcileFailure(ctx, channel, payment, data, responseData)
	}
	return s.reconcileSuccess(ctx, channel, payment, data, responseData)
}

func (s *PaymentService) reconcileSuccess(ctx context.Context, channel string, payment *models.Payment, data *CallbackData, responseData map[string]string) *ReconcileResult {
	updated, err := s.payments.MarkCompleted(ctx, payment.ID, responseData)
	if errors.Is(err, repository.ErrNotFound) {
		// Lost the CAS: the other channel completed the payment first.
		s.log.Info("concurrent completion, skipping materialization",
			zap.String("channel", channel), zap.String("transaction_ref", payment.TransactionRef))
		return s.alreadyProcessed(ctx, channel, payment)
	}
	if err != nil {
		s.log.Error("failed to complete payment", zap.Error(err), zap.String("transaction_ref", payment.TransactionRef))
		return &ReconcileResult{Outcome: OutcomeInternalError, Payment: payment, RspCode: "99", Message: "Internal Error"}
	}

	order, err := s.materialize(ctx, updated)
	if err != nil {
		// The payment is already committed; surface a retryable code so
		// the gap (completed payment without an order) is visible in
		// the audit trail and the gateway keeps us honest.
		s.log.Error("order materialization failed after completion",
			zap.Error(err), zap.String("transaction_ref", updated.TransactionRef))
		return &ReconcileResult{Outcome: OutcomeInternalError, Payment: updated, RspCode: "99", Message: "Internal Error"}
	}

	s.log.Info("payment reconciled",
		zap.String("channel", channel),
		zap.String("transaction_ref", updated.TransactionRef),
		zap.String("response_code", data.ResponseCode),
		zap.Bool("materialized", true),
		zap.String("order_id", order.ID.Hex()),
	)

	s.emitPaymentEvent(ctx, models.PaymentEventSucceeded, updated, order)

	return &ReconcileResult{Outcome: OutcomeCompleted, Payment: updated, Order: order, RspCode: "00", Message: "Success"}
}

func (s *PaymentService) reconcileFailure(ctx context.Context, channel string, payment *models.Payment, data *CallbackData, responseData map[string]string) *ReconcileResult {
	updated, err := s.payments.MarkFailed(ctx, payment.ID, responseData)
	if errors.Is(err, repository.ErrNotFound) {
		return s.alreadyProcessed(ctx, channel, payment)
	}
	if err != nil {
		s.log.Error("failed to mark payment failed", zap.Error(err), zap.String("transaction_ref", payment.TransactionRef))
		return &ReconcileResult{Outcome: OutcomeInternalError, Payment: payment, RspCode: "99", Message: "Internal Error"}
	}

	s.log.Info("payment reconciled",
		zap.String("channel", channel),
		zap.String("transaction_ref", updated.TransactionRef),
		zap.String("response_code", data.ResponseCode),
		zap.Bool("materialized", false),
	)

	s.emitPaymentEvent(ctx, models.PaymentEventFailed, updated, nil)

	return &ReconcileResult{Outcome: OutcomeFailed, Payment: updated, RspCode: "00", Message: "Success"}
}

// alreadyProcessed re-reads the payment so the return page can render
// the stored outcome, and acknowledges the callback so the gateway
// stops retrying. A completed payment with no order means an earlier
// attempt died between the status transition and the order write; the
// redundant delivery is the retry that finishes the job, so it must not
// ack until the order exists.
func (s *PaymentService) alreadyProcessed(ctx context.Context, channel string, payment *models.Payment) *ReconcileResult {
	current, err := s.payments.FindByID(ctx, payment.ID)
	if err != nil {
		current = payment
	}

	var order *models.Order
	o, err := s.orders.FindByPaymentID(ctx, current.ID)
	switch {
	case err == nil:
		order = o
	case errors.Is(err, repository.ErrNotFound) && current.Status == models.PaymentStatusCompleted:
		order, err = s.materialize(ctx, current)
		if err != nil {
			s.log.Error("order materialization retry failed",
				zap.Error(err),
				zap.String("channel", channel),
				zap.String("transaction_ref", current.TransactionRef))
			return &ReconcileResult{Outcome: OutcomeInternalError, Payment: current, RspCode: "99", Message: "Internal Error"}
		}
	}

	s.log.Info("callback for already-processed payment",
		zap.String("channel", channel),
		zap.String("transaction_ref", current.TransactionRef),
		zap.String("status", string(current.Status)),
	)

	return &ReconcileResult{Outcome: OutcomeAlreadyProcessed, Payment: current, Order: order, RspCode: "00", Message: "Success"}
}

// materialize turns a completed payment into the real order: decrements
// stock per snapshot item, persists the order, clears the cart, and
// notifies. A second fence against double creation sits up front; the
// CAS in the caller already guarantees a single winner under races.
func (s *PaymentService) materialize(ctx context.Context, payment *models.Payment) (*models.Order, error) {
	existing, err := s.orders.FindByPaymentID(ctx, payment.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	snapshot := payment.OrderDetails
	if len(snapshot.Items) == 0 {
		return nil, fmt.Errorf("payment %s has an empty order snapshot", payment.ID.Hex())
	}

	items := make([]models.OrderItem, 0, len(snapshot.Items))
	for _, snap := range snapshot.Items {
		item := models.OrderItem{
			ProductID: snap.ProductID,
			Name:      snap.Name,
			Image:     snap.Image,
			Color:     snap.Color,
			Size:      snap.Size,
			Quantity:  snap.Quantity,
			Price:     snap.Price,
		}

		product, err := s.products.FindByID(ctx, snap.ProductID)
		if err != nil {
			// A missing product must not abort an already-paid order:
			// keep the line item, skip the stock adjustment.
			s.log.Warn("product unavailable during materialization, stock not adjusted",
				zap.String("product_id", snap.ProductID.Hex()),
				zap.String("transaction_ref", payment.TransactionRef),
				zap.Error(err))
			items = append(items, item)
			continue
		}

		if item.Name == "" {
			item.Name = product.Name
		}
		if item.Image == "" {
			item.Image = product.Image
		}

		s.decrementStock(ctx, product, snap, payment.TransactionRef)
		items = append(items, item)
	}

	order := &models.Order{
		UserID:        payment.UserID,
		Items:         items,
		Address:       snapshot.ShippingAddress,
		ShippingFee:   snapshot.ShippingFee,
		PaymentMethod: models.PaymentMethodVNPay,
		TotalAmount:   payment.Amount,
		// Payment success does not auto-confirm: an admin still has to
		// accept the order.
		Status: models.OrderStatusPending,
		PaymentInfo: models.PaymentInfo{
			TransactionRef: payment.TransactionRef,
			PaymentID:      payment.ID,
		},
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if err := s.payments.SetOrderID(ctx, payment.ID, order.ID); err != nil {
		s.log.Error("failed to link order to payment", zap.Error(err),
			zap.String("payment_id", payment.ID.Hex()), zap.String("order_id", order.ID.Hex()))
	}

	if err := s.carts.ClearCart(ctx, payment.UserID); err != nil {
		s.log.Error("failed to clear cart", zap.Error(err), zap.String("user_id", payment.UserID))
	}

	s.notifyOrderCreated(ctx, payment, order)

	return order, nil
}

// decrementStock reduces the matching variation's quantity, clamped at
// zero. Stock must never go negative even when the ordered quantity
// exceeds what is left.
func (s *PaymentService) decrementStock(ctx context.Context, product *models.Product, snap models.SnapshotItem, txnRef string) {
	if v := product.FindVariation(snap.Color, snap.Size); v != nil {
		dec := snap.Quantity
		if dec > v.Quantity {
			s.log.Warn("ordered quantity exceeds stock, clamping at zero",
				zap.String("product_id", product.ID.Hex()),
				zap.String("color", snap.Color),
				zap.String("size", snap.Size),
				zap.Int("ordered", snap.Quantity),
				zap.Int("available", v.Quantity))
			dec = v.Quantity
		}
		v.Quantity -= dec
	} else {
		s.log.Warn("no matching variation, stock not adjusted",
			zap.String("product_id", product.ID.Hex()),
			zap.String("color", snap.Color),
			zap.String("size", snap.Size))
	}

	product.Sold += snap.Quantity
	product.RecalculateStock()

	if err := s.products.UpdateStock(ctx, product); err != nil {
		s.log.Error("failed to update product stock", zap.Error(err),
			zap.String("product_id", product.ID.Hex()),
			zap.String("transaction_ref", txnRef))
	}
}

func (s *PaymentService) emitPaymentEvent(ctx context.Context, eventType string, payment *models.Payment, order *models.Order) {
	event := models.PaymentEvent{
		Type:           eventType,
		PaymentID:      payment.ID.Hex(),
		UserID:         payment.UserID,
		TransactionRef: payment.TransactionRef,
		Amount:         payment.Amount,
		Currency:       "VND",
		Timestamp:      time.Now().UTC(),
	}
	if order != nil {
		event.OrderID = order.ID.Hex()
	}

	if s.producer != nil {
		if err := s.producer.SendPaymentEvent(ctx, event); err != nil {
			s.log.Error("failed to publish payment event to Kafka", zap.Error(err),
				zap.String("transaction_ref", payment.TransactionRef))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, eventType, event); err != nil {
			// best-effort; the payment outcome is already durable
			s.log.Error("SNS publish failed", zap.Error(err),
				zap.String("transaction_ref", payment.TransactionRef))
		}
	}
}

func (s *PaymentService) notifyOrderCreated(ctx context.Context, payment *models.Payment, order *models.Order) {
	if s.publisher == nil {
		return
	}

	image := ""
	if len(order.Items) > 0 {
		image = order.Items[0].Image
	}
	orderID := order.ID.Hex()
	suffix := orderID
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}

	notification := models.NotificationEvent{
		UserID:    payment.UserID,
		Type:      "order",
		Title:     "Thanh toán thành công",
		Message:   fmt.Sprintf("Đơn hàng #%s đã thanh toán & đang chờ xác nhận.", suffix),
		OrderID:   orderID,
		Image:     image,
		Timestamp: time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, "notification.created", notification); err != nil {
		s.log.Error("failed to publish notification event", zap.Error(err),
			zap.String("order_id", orderID))
	}
}

func flattenQuery(query url.Values) map[string]string {
	out := make(map[string]string, len(query))
	for k := range query {
		out[k] = query.Get(k)
	}
	return out
}
