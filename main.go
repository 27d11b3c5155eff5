package main

import (
	"context"

	"payment-service/controllers"
	"payment-service/database"
	"payment-service/kafka"
	"payment-service/logger"
	"payment-service/repository"
	"payment-service/routes"
	"payment-service/services"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load .env file (optional, falls back to system env)
	_ = godotenv.Load()

	cfg, err := LoadConfig()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	logger.Initialize(cfg.Env)
	defer logger.Log.Sync()
	zap.ReplaceGlobals(logger.Log)

	if err := database.ConnectWithConfig(cfg.MongoURI, cfg.MongoDB); err != nil {
		logger.Log.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer database.Close()

	redisClient := database.NewRedisClient(cfg.RedisURL)
	defer redisClient.Close()

	paymentRepo := repository.NewMongoPaymentRepository(database.DB)
	if err := paymentRepo.EnsureIndexes(context.Background()); err != nil {
		logger.Log.Fatal("Failed to create payment indexes", zap.Error(err))
	}
	orderRepo := repository.NewMongoOrderRepository(database.DB)
	productRepo := repository.NewMongoProductRepository(database.DB)
	cartRepo := database.NewCartRepository(redisClient, cfg.CartTTL)

	gateway := services.NewVNPayClient(services.VNPayConfig{
		TmnCode:    cfg.VNPay.TmnCode,
		HashSecret: cfg.VNPay.HashSecret,
		BaseURL:    cfg.VNPay.BaseURL,
		ReturnURL:  cfg.VNPay.ReturnURL,
	})

	var producer services.EventProducer
	if len(cfg.KafkaBrokers) > 0 {
		p, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.PaymentEventsTopic)
		if err != nil {
			logger.Log.Fatal("Failed to create Kafka producer", zap.Error(err))
		}
		defer p.Close()
		producer = p
	} else {
		logger.Log.Warn("KAFKA_BROKERS not set; payment events will not be published to Kafka")
	}

	var publisher services.EventPublisher
	if cfg.SNSTopicARN != "" {
		pub, err := services.NewSNSPublisher(context.Background(), cfg.SNSTopicARN)
		if err != nil {
			logger.Log.Warn("SNS publisher disabled", zap.Error(err))
		} else {
			publisher = pub
		}
	}

	paymentService := services.NewPaymentService(
		paymentRepo, orderRepo, productRepo, cartRepo,
		gateway, producer, publisher, logger.Log,
	)
	paymentController := controllers.NewPaymentController(paymentService)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.RequestLogger())

	routes.RegisterPaymentRoutes(r, paymentController)

	logger.Log.Info("payment-service listening", zap.String("port", cfg.Port))
	if err := r.Run(":" + cfg.Port); err != nil {
		logger.Log.Fatal("Error starting server", zap.Error(err))
	}
}
