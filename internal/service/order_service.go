package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"sushiyaki/internal/domain"
	"sushiyaki/internal/repository"
)

var hundred = decimal.NewFromInt(100)

// Pricing ставки, применяемые при оформлении
type Pricing struct {
	VATPercent     decimal.Decimal
	DeliveryCharge decimal.Decimal
}

// CheckoutRequest данные корзины и покупателя
type CheckoutRequest struct {
	CustomerID    string
	CustomerName  string
	Phone         string
	Address       string
	PaymentMethod domain.PaymentMethod
	Message       string
	Discount      decimal.Decimal
	Items         []domain.OrderItem
}

// OrderService реализует оформление заказа и чтение отдельных заказов
type OrderService struct {
	orders  repository.OrderStore
	pricing Pricing
}

func NewOrderService(orders repository.OrderStore, pricing Pricing) *OrderService {
	return &OrderService{orders: orders, pricing: pricing}
}

// Checkout проверяет корзину, фиксирует денежную раскладку и сохраняет заказ в статусе pending.
// Скидка больше подытога урезается до подытога.
func (s *OrderService) Checkout(ctx context.Context, req CheckoutRequest) (*domain.Order, error) {
	if req.CustomerName == "" || req.Phone == "" || len(req.Items) == 0 {
		return nil, ErrInvalidInput
	}
	if !req.PaymentMethod.Valid() || req.Discount.IsNegative() {
		return nil, ErrInvalidInput
	}

	subtotal := decimal.Zero
	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		if it.Name == "" || it.Quantity <= 0 || it.UnitPrice.IsNegative() {
			return nil, ErrInvalidInput
		}
		it.ID = ""
		subtotal = subtotal.Add(it.LineTotal())
		items = append(items, it)
	}

	vat := subtotal.Mul(s.pricing.VATPercent).Div(hundred).Round(2)
	discount := req.Discount
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}

	o := domain.Order{
		ID:            uuid.NewString(),
		Code:          newOrderCode(),
		CustomerID:    req.CustomerID,
		CustomerName:  req.CustomerName,
		Phone:         req.Phone,
		Address:       req.Address,
		PaymentMethod: req.PaymentMethod,
		Breakdown:     domain.NewBreakdown(subtotal, vat, s.pricing.DeliveryCharge, discount),
		Message:       req.Message,
		Status:        domain.OrderStatusPending,
		Items:         items,
	}
	if err := s.orders.CreateOrder(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrder возвращает заказ по id
func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	return s.orders.GetOrder(ctx, id)
}

// newOrderCode short human readable id, e.g. SY-4F1A9C
func newOrderCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "SY-" + strings.ToUpper(raw[:6])
}
