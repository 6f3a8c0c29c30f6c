package main

import (
	"context"
	"log"
	"os"

	"github.com/louhela/crateci/internal"
	"github.com/louhela/crateci/internal/handler"
	"github.com/louhela/crateci/internal/security"
	"github.com/louhela/crateci/internal/service"
	"github.com/louhela/crateci/internal/settings"
	"github.com/louhela/crateci/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	_ "modernc.org/sqlite"
)

func main() {
	internal.InitializeConfiguration()
	settings.ReadDotenv(internal.DotEnvPath)
	settings.Settings = settings.NewSettings()
	hashKey, blockKey := security.NewKeys()
	rdb := store.InitDatabase(true)
	defer rdb.Close()
	rwdb := store.InitDatabase(false)
	defer rwdb.Close()
	store.RunMigrations(rwdb, internal.MigrationsDir)

	scheduler := service.NewScheduler()
	defer scheduler.Shutdown()

	userStore := store.NewUserSQLiteStore(rdb, rwdb)
	credentialStore := store.NewCredentialSQLiteStore(rdb, rwdb)
	agentStore := store.NewAgentSQLiteStore(rdb, rwdb)
	pipelineStore := store.NewPipelineSQLiteStore(rdb, rwdb)
	runStore := store.NewRunSQLiteStore(rdb, rwdb)
	apiKeyStore := store.NewAPIKeySQLiteStore(rdb, rwdb)
	aesEncrypter := security.NewAESEncrypter([]byte(os.Getenv("CRATECI_HASH_KEY")))

	cookieSvc := service.NewCookieService(hashKey, blockKey)
	userSvc := service.NewUserService(userStore)
	credentialSvc := service.NewCredentialService(credentialStore, aesEncrypter)
	agentSvc := service.NewAgentService(agentStore, credentialSvc)
	if err := agentSvc.InitializeControllerAgent(context.Background()); err != nil {
		log.Fatal(err)
	}
	apiKeySvc := service.NewAPIKeyService(apiKeyStore, service.NewUUIDGen())
	pipelineSvc := service.NewPipelineService(
		pipelineStore,
		runStore,
		credentialStore,
		agentStore,
		apiKeyStore,
		scheduler,
		aesEncrypter,
	)
	if err := pipelineSvc.InitializeRunQueues(context.Background()); err != nil {
		log.Fatal(err)
	}
	defer pipelineSvc.ShutdownAll()
	if err := pipelineSvc.InitializeSchedules(context.Background()); err != nil {
		log.Fatal(err)
	}

	userSvc.InitializeSuperuser(context.Background())

	store.Deliveries = store.NewDeliveryStore()
	store.Deliveries.ScheduleDailyCleanUp(scheduler)
	userSvc.ScheduleSessionCleanUp(scheduler)
	scheduler.Start()

	e := setupEcho()
	g := e.Group("", handler.SessionMiddleware(userSvc, cookieSvc))
	handler.SetupAuthRoutes(g, userSvc, cookieSvc)
	handler.SetupConfigRoutes(g)
	handler.SetupUserRoutes(g, userSvc, cookieSvc)
	handler.SetupCredentialRoutes(g, credentialSvc)
	handler.SetupAgentRoutes(g, agentSvc)
	handler.SetupPipelineRoutes(g, pipelineSvc)
	handler.SetupAPIKeyRoutes(g, apiKeySvc)
	handler.SetupHookRoutes(e, pipelineSvc, apiKeySvc, store.Deliveries)

	internal.GracefulShutdown(e, settings.Settings.Port)
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = handler.ErrorHandler
	e.Use(
		middleware.CORSWithConfig(internal.GetCORSConfig(settings.Settings.BaseURL())),
		middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig()),
	)
	return e
}
