package controllers

import (
	"fmt"
	"net/http"

	"payment-service/logger"
	"payment-service/middleware"
	"payment-service/models"
	"payment-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type PaymentController struct {
	paymentService *services.PaymentService
}

func NewPaymentController(paymentService *services.PaymentService) *PaymentController {
	return &PaymentController{
		paymentService: paymentService,
	}
}

// CreatePayment handles payment initiation requests
func (pc *PaymentController) CreatePayment(ctx *gin.Context) {
	userID, err := middleware.GetUserID(ctx)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
		return
	}

	var req services.CreatePaymentRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		logger.Warn(ctx, "invalid payment request", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid request", "details": err.Error()})
		return
	}

	resp, serviceErr := pc.paymentService.CreatePayment(ctx.Request.Context(), userID, ctx.ClientIP(), &req)
	if serviceErr != nil {
		ctx.JSON(serviceErr.StatusCode, gin.H{"success": false, "message": serviceErr.Message})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"success":     true,
		"redirectUrl": resp.PaymentURL,
		"payment_id":  resp.PaymentID,
	})
}

// PaymentReturn handles the browser redirect back from the gateway. It
// always renders an HTML page: the mobile app opens the gateway in a
// WebView and watches the rendered content / deep link, so this must
// never answer with raw JSON or an error dump.
func (pc *PaymentController) PaymentReturn(ctx *gin.Context) {
	result := pc.paymentService.Reconcile(ctx.Request.Context(), "return", ctx.Request.URL.Query())

	switch result.Outcome {
	case services.OutcomeCompleted:
		pc.renderSuccess(ctx, result)
	case services.OutcomeAlreadyProcessed:
		// Redundant delivery: re-render from the stored status.
		if result.Payment != nil && result.Payment.Status == models.PaymentStatusCompleted {
			pc.renderSuccess(ctx, result)
			return
		}
		ctx.Data(http.StatusOK, "text/html; charset=utf-8", []byte(failurePageHTML))
	case services.OutcomeNotFound:
		ctx.Data(http.StatusOK, "text/html; charset=utf-8", []byte(notFoundPageHTML))
	case services.OutcomeInternalError:
		ctx.Data(http.StatusInternalServerError, "text/html; charset=utf-8", []byte(errorPageHTML))
	default:
		ctx.Data(http.StatusOK, "text/html; charset=utf-8", []byte(failurePageHTML))
	}
}

func (pc *PaymentController) renderSuccess(ctx *gin.Context, result *services.ReconcileResult) {
	orderID := ""
	if result.Order != nil {
		orderID = result.Order.ID.Hex()
	}
	ctx.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(successPageHTML, orderID)))
}

// PaymentIPN handles the server-to-server gateway notification. The
// response is always a machine-readable status object; RspCode "00"
// tells the gateway to stop retrying.
func (pc *PaymentController) PaymentIPN(ctx *gin.Context) {
	result := pc.paymentService.Reconcile(ctx.Request.Context(), "ipn", ctx.Request.URL.Query())
	logger.Info(ctx, "IPN acknowledged", zap.String("rsp_code", result.RspCode))

	status := http.StatusOK
	switch result.RspCode {
	case "01":
		status = http.StatusNotFound
	case "99":
		status = http.StatusInternalServerError
	}

	ctx.JSON(status, gin.H{"RspCode": result.RspCode, "Message": result.Message})
}

// GetPaymentStatus returns the payment state; the app polls this while
// the gateway WebView is open.
func (pc *PaymentController) GetPaymentStatus(ctx *gin.Context) {
	if _, err := middleware.GetUserID(ctx); err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	payment, serviceErr := pc.paymentService.GetPayment(ctx.Request.Context(), ctx.Param("id"))
	if serviceErr != nil {
		ctx.JSON(serviceErr.StatusCode, gin.H{"error": serviceErr.Message})
		return
	}

	resp := gin.H{
		"payment_id":      payment.ID.Hex(),
		"status":          payment.Status,
		"amount":          payment.Amount,
		"transaction_ref": payment.TransactionRef,
	}
	if !payment.OrderID.IsZero() {
		resp["order_id"] = payment.OrderID.Hex()
	}
	ctx.JSON(http.StatusOK, resp)
}

const successPageHTML = `<html>
    <head>
        <meta name="viewport" content="width=device-width, initial-scale=1">
        <style>
            body { font-family: sans-serif; text-align: center; padding-top: 50px; }
        </style>
    </head>
    <body>
        <div style="font-size: 50px;">✅</div>
        <h2>Thanh toán thành công</h2>
        <p>Đang quay lại ứng dụng...</p>
        <script>
            console.log("Success: %s");
        </script>
    </body>
</html>`

const failurePageHTML = `<html>
    <body onload="location.href='myapp://payment_fail'">
        <div style="text-align:center; padding-top:50px;">
            <h2>Thanh toán thất bại</h2>
            <p>Đang quay lại ứng dụng...</p>
        </div>
    </body>
</html>`

const notFoundPageHTML = `<html>
    <body>
        <div style="text-align:center; padding-top:50px;">
            <h2>Không tìm thấy giao dịch</h2>
        </div>
    </body>
</html>`

const errorPageHTML = `<html>
    <body>
        <div style="text-align:center; padding-top:50px;">
            <h2>Lỗi xử lý đơn hàng</h2>
            <p>Vui lòng thử lại sau.</p>
        </div>
    </body>
</html>`
