package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod способ оплаты, выбранный при оформлении
type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentOnline PaymentMethod = "online"
)

func (p PaymentMethod) Valid() bool {
	switch p {
	case PaymentCash, PaymentCard, PaymentOnline:
		return true
	}
	return false
}

// Breakdown денежная раскладка заказа. Фиксируется при оформлении и больше не пересчитывается.
type Breakdown struct {
	Subtotal       decimal.Decimal `json:"subtotal"`
	VAT            decimal.Decimal `json:"vat"`
	DeliveryCharge decimal.Decimal `json:"delivery_charge"`
	Discount       decimal.Decimal `json:"discount"`
	Total          decimal.Decimal `json:"total_price"`
}

// NewBreakdown считает итог: subtotal + vat + delivery - discount
func NewBreakdown(subtotal, vat, delivery, discount decimal.Decimal) Breakdown {
	return Breakdown{
		Subtotal:       subtotal,
		VAT:            vat,
		DeliveryCharge: delivery,
		Discount:       discount,
		Total:          subtotal.Add(vat).Add(delivery).Sub(discount),
	}
}

// Balanced reports whether Total still equals its parts.
func (b Breakdown) Balanced() bool {
	return b.Total.Equal(b.Subtotal.Add(b.VAT).Add(b.DeliveryCharge).Sub(b.Discount))
}

// OrderItem позиция заказа; цена снята на момент покупки
type OrderItem struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int64           `json:"quantity"`
	ImageURL    string          `json:"image_url,omitempty"`
	Description string          `json:"description,omitempty"`
}

// LineTotal unit price times quantity
func (it OrderItem) LineTotal() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity))
}

// Order сущность заказа
type Order struct {
	ID            string        `json:"id"`
	Code          string        `json:"code"`
	CustomerID    string        `json:"customer_id,omitempty"`
	CustomerName  string        `json:"customer_name"`
	Phone         string        `json:"phone"`
	Address       string        `json:"address"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	Breakdown
	Message   string      `json:"message,omitempty"`
	Status    OrderStatus `json:"status"`
	Items     []OrderItem `json:"items"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Clone returns a copy that does not share the items slice.
func (o Order) Clone() Order {
	cp := o
	if o.Items != nil {
		cp.Items = make([]OrderItem, len(o.Items))
		copy(cp.Items, o.Items)
	}
	return cp
}

// Scope фильтр заказов, которые отслеживает контроллер. Пустой CustomerID означает все заказы.
type Scope struct {
	CustomerID string `json:"customer_id,omitempty"`
}

// AllOrders is the dashboard scope.
var AllOrders = Scope{}

func (s Scope) Matches(o Order) bool {
	return s.CustomerID == "" || s.CustomerID == o.CustomerID
}

func (s Scope) Key() string {
	if s.CustomerID == "" {
		return "all"
	}
	return "customer:" + s.CustomerID
}

// Reservation бронирование столика
type Reservation struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Phone       string            `json:"phone"`
	Email       string            `json:"email,omitempty"`
	PartySize   int               `json:"party_size"`
	ReservedFor time.Time         `json:"reserved_for"`
	Note        string            `json:"note,omitempty"`
	Status      ReservationStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
