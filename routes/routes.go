package routes

import (
	"payment-service/controllers"
	"payment-service/middleware"

	"github.com/gin-gonic/gin"
)

func RegisterPaymentRoutes(r *gin.Engine, pc *controllers.PaymentController) {
	payments := r.Group("/api/payments")

	payments.POST("/create-vnpay", middleware.AuthMiddleware(), pc.CreatePayment)
	payments.GET("/:id", middleware.AuthMiddleware(), pc.GetPaymentStatus)

	// Gateway callbacks carry their own HMAC authentication; no user
	// session exists on either channel.
	payments.GET("/vnpay-return", pc.PaymentReturn)
	payments.GET("/vnpay-ipn", pc.PaymentIPN)
}
