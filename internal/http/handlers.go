package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"sushiyaki/internal/domain"
	"sushiyaki/internal/logging"
	"sushiyaki/internal/ordersync"
	"sushiyaki/internal/repository"
	"sushiyaki/internal/service"
)

type Server struct {
	engine       *gin.Engine
	log          zerolog.Logger
	orders       *service.OrderService
	live         *service.LiveOrders
	reservations *service.ReservationService
}

func NewServer(log zerolog.Logger, orders *service.OrderService, live *service.LiveOrders, reservations *service.ReservationService) *Server {
	r := gin.New()
	r.Use(logging.GinLogger(log), gin.Recovery())
	s := &Server{engine: r, log: log, orders: orders, live: live, reservations: reservations}
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	// Swagger UI
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	s.engine.GET("/healthz", s.health)

	v1 := s.engine.Group("/api/v1")
	{
		orders := v1.Group("/orders")
		orders.GET("", s.listOrders)
		orders.POST("", s.checkout)
		orders.GET("stream", s.streamOrders)
		orders.POST("refresh", s.refreshOrders)
		orders.GET(":id", s.getOrder)
		orders.PATCH(":id/status", s.updateOrderStatus)

		reservations := v1.Group("/reservations")
		reservations.POST("", s.createReservation)
		reservations.GET("", s.listReservations)
		reservations.GET(":id", s.getReservation)
		reservations.PATCH(":id/status", s.updateReservationStatus)
	}
}

// @Summary Health check
// @Tags system
// @Produce json
// @Success 200 {object} map[string]any
// @Router /healthz [get]
func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "ok", "views": s.live.Count()}
	if v, ok := s.live.Dashboard(); ok {
		resp["dashboard"] = v.Orders.Snapshot().ConnectionStatus
	}
	c.JSON(http.StatusOK, resp)
}

// Order handlers

type ordersResponse struct {
	Orders           []domain.Order             `json:"orders"`
	ConnectionStatus ordersync.ConnectionStatus `json:"connection_status"`
	LastError        string                     `json:"last_error,omitempty"`
	PendingUpdates   []string                   `json:"pending_updates"`
	Timers           map[string]int64           `json:"timers"`
	// TimersAt is the instant the timers were computed for
	TimersAt time.Time `json:"timers_at"`
}

func viewResponse(v *service.View) ordersResponse {
	snap := v.Orders.Snapshot()
	resp := ordersResponse{
		Orders:           snap.Orders,
		ConnectionStatus: snap.ConnectionStatus,
		PendingUpdates:   v.Orders.PendingUpdates(),
		Timers:           v.Timers.Millis(),
		TimersAt:         v.Timers.LastTick(),
	}
	if snap.LastError != nil {
		resp.LastError = snap.LastError.Error()
	}
	return resp
}

func scopeFromQuery(c *gin.Context) domain.Scope {
	return domain.Scope{CustomerID: c.Query("customer_id")}
}

// @Summary List live orders
// @Description Reconciled order list of a scope with connection status and SLA timers (ms).
// @Tags orders
// @Produce json
// @Param customer_id query string false "Only orders of this customer"
// @Success 200 {object} ordersResponse
// @Failure 503 {object} map[string]string
// @Router /orders [get]
func (s *Server) listOrders(c *gin.Context) {
	v, release, err := s.live.Acquire(c, scopeFromQuery(c))
	if err != nil {
		status := mapErrorToStatus(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	defer release()
	v.Timers.Tick(time.Now())
	c.JSON(http.StatusOK, viewResponse(v))
}

// @Summary Reload orders and resubscribe
// @Description Manual retry after a failed load or a lost change feed.
// @Tags orders
// @Produce json
// @Param customer_id query string false "Only orders of this customer"
// @Success 200 {object} ordersResponse
// @Failure 502 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /orders/refresh [post]
func (s *Server) refreshOrders(c *gin.Context) {
	v, release, err := s.live.Refresh(c, scopeFromQuery(c))
	if v == nil {
		status := mapErrorToStatus(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	defer release()
	if err != nil {
		status := mapErrorToStatus(err)
		c.JSON(status, gin.H{"error": err.Error(), "connection_status": v.Orders.Snapshot().ConnectionStatus})
		return
	}
	v.Timers.Tick(time.Now())
	c.JSON(http.StatusOK, viewResponse(v))
}

type checkoutReq struct {
	CustomerID    string               `json:"customer_id"`
	CustomerName  string               `json:"customer_name"`
	Phone         string               `json:"phone"`
	Address       string               `json:"address"`
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
	Message       string               `json:"message"`
	Discount      decimal.Decimal      `json:"discount"`
	Items         []domain.OrderItem   `json:"items"`
}

// @Summary Checkout
// @Tags orders
// @Accept json
// @Produce json
// @Param input body checkoutReq true "Cart"
// @Success 201 {object} domain.Order
// @Failure 400 {object} map[string]string
// @Router /orders [post]
func (s *Server) checkout(c *gin.Context) {
	var req checkoutReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	o, err := s.orders.Checkout(c, service.CheckoutRequest{
		CustomerID:    req.CustomerID,
		CustomerName:  req.CustomerName,
		Phone:         req.Phone,
		Address:       req.Address,
		PaymentMethod: req.PaymentMethod,
		Message:       req.Message,
		Discount:      req.Discount,
		Items:         req.Items,
	})
	if err != nil {
		status := mapErrorToStatus(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, o)
}

// @Summary Get order by id
// @Tags orders
// @Produce json
// @Param id path string true "Order ID"
// @Success 200 {object} domain.Order
// @Failure 404 {object} map[string]string
// @Router /orders/{id} [get]
func (s *Server) getOrder(c *gin.Context) {
	o, err := s.orders.GetOrder(c, c.Param("id"))
	if err != nil {
		status := mapErrorToStatus(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, o)
}

type updateStatusReq struct {
	Status domain.OrderStatus `json:"status"`
}

// @Summary Change order status
// @Description Optimistic change on the dashboard view. A request while another is in flight for the same order is dropped and answered with 202 and the current order.
// @Tags orders
// @Accept json
// @Produce json
// @Param id path string true "Order ID"
// @Param input body updateStatusReq true "New status"
// @Success 200 {object} domain.Order
// @Success 202 {object} domain.Order
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 502 {object} map[string]string
// @Router /orders/{id}/status [patch]
func (s *Server) updateOrderStatus(c *gin.Context) {
	var req updateStatusReq
	if err := c.ShouldBindJSON(&req); err != nil || !req.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}
	v, release, err := s.live.Acquire(c, domain.AllOrders)
	if err != nil {
		status := mapErrorToStatus(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	defer release()

	id := c.Param("id")
	code := http.StatusOK
	if err := v.Orders.RequestStatusChange(c, id, req.Status); err != nil {
		if !errors.Is(err, ordersync.ErrDuplicateUpdate) {
			status := mapErrorToStatus(err)
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		// dropped: the earlier request decides the outcome
		code = http.StatusAccepted
	}
	o, ok := v.Orders.Order(id)
	if !ok {
		// removed by a concurrent delete
		c.JSON(http.StatusNotFound, gin.H{"error": repository.ErrNotFound.Error()})
		return
	}
	c.JSON(code, o)
}

// @Summary Live order stream
// @Description Server-sent events: "orders" with the full view on every change, "timers" every tick.
// @Tags orders
// @Produce text/event-stream
// @Param customer_id query string false "Only orders of this customer"
// @Success 200 {object} ordersResponse
// @Router /orders/stream [get]
func (s *Server) streamOrders(c *gin.Context) {
	v, release, err := s.live.Acquire(c, scopeFromQuery(c))
	if err != nil {
		status := mapErrorToStatus(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	defer release()
	scope := v.Orders.Scope().Key()
	s.log.Debug().Str("scope", scope).Msg("order stream opened")
	defer s.log.Debug().Str("scope", scope).Msg("order stream closed")

	changes, stopChanges := v.Orders.Watch()
	defer stopChanges()
	ticks, stopTicks := v.Timers.Watch()
	defer stopTicks()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("orders", viewResponse(v))
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case _, ok := <-changes:
			if !ok {
				return false
			}
			c.SSEvent("orders", viewResponse(v))
			return true
		case _, ok := <-ticks:
			if !ok {
				return false
			}
			c.SSEvent("timers", v.Timers.Millis())
			return true
		}
	})
}

// Reservation handlers

type createReservationReq struct {
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	Email       string    `json:"email"`
	PartySize   int       `json:"party_size"`
	ReservedFor time.Time `json:"reserved_for"`
	Note        string    `json:"note"`
}

// @Summary Create reservation
// @Tags reservations
// @Accept json
// @Produce json
// @Param input body createReservationReq true "Reservation"
// @Success 201 {object} domain.Reservation
// @Failure 400 {object} map[string]string
// @Router /reservations [post]
func (s *Server) createReservation(c *gin.Context) {
	var req createReservationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	r, err := s.reservations.Create(c, domain.Reservation{
		Name:        req.Name,
		Phone:       req.Phone,
		Email:       req.Email,
		PartySize:   req.PartySize,
		ReservedFor: req.ReservedFor,
		Note:        req.Note,
	})
	if err != nil {
		status := mapErrorToStatus(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, r)
}

// @Summary List reservations
// @Tags reservations
// @Produce json
// @Param status query string false "pending, confirmed, cancelled or completed"
// @Success 200 {array} domain.Reservation
// @Failure 400 {object} map[string]string
// @Router /reservations [get]
func (s *Server) listReservations(c *gin.Context) {
	f := repository.ReservationFilter{Status: domain.ReservationStatus(c.Query("status"))}
	list, err := s.reservations.List(c, f)
	if err != nil {
		status := mapErrorToStatus(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

// @Summary Get reservation by id
// @Tags reservations
// @Produce json
// @Param id path string true "Reservation ID"
// @Success 200 {object} domain.Reservation
// @Failure 404 {object} map[string]string
// @Router /reservations/{id} [get]
func (s *Server) getReservation(c *gin.Context) {
	r, err := s.reservations.GetByID(c, c.Param("id"))
	if err != nil {
		status := mapErrorToStatus(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r)
}

type updateReservationStatusReq struct {
	Status domain.ReservationStatus `json:"status"`
}

// @Summary Change reservation status
// @Tags reservations
// @Accept json
// @Produce json
// @Param id path string true "Reservation ID"
// @Param input body updateReservationStatusReq true "New status"
// @Success 200 {object} domain.Reservation
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /reservations/{id}/status [patch]
func (s *Server) updateReservationStatus(c *gin.Context) {
	var req updateReservationStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	r, err := s.reservations.UpdateStatus(c, c.Param("id"), req.Status)
	if err != nil {
		status := mapErrorToStatus(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r)
}

func mapErrorToStatus(err error) int {
	var (
		mErr *repository.MutationError
		qErr *repository.QueryError
		sErr *repository.SubscriptionError
	)
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, ordersync.ErrUnknownOrder):
		return http.StatusNotFound
	case errors.Is(err, ordersync.ErrDuplicateUpdate), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrShuttingDown), errors.Is(err, ordersync.ErrClosed), errors.As(err, &sErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &mErr), errors.As(err, &qErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
