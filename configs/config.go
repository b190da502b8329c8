package configs

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ServerPort                    string `envconfig:"SERVER_PORT" default:"8080"`
	ServerTimeOutInSeconds        int64  `envconfig:"SERVER_TIME_OUT_IN_SECONDS" default:"5"`
	TaskRunTimeOutInSeconds       int64  `envconfig:"TASK_RUN_TIME_OUT_IN_SECONDS" default:"60"`
	SchedulerCheckIntervalSeconds int64  `envconfig:"SCHEDULER_CHECK_INTERVAL_SECONDS" default:"30"`
	ReminderSchedule              string `envconfig:"REMINDER_SCHEDULE" default:"0 9 * * *"`
	RetrySweepSchedule            string `envconfig:"RETRY_SWEEP_SCHEDULE" default:"*/15 * * * *"`
	Database                      DatabaseConfig
	RabbitMQ                      RabbitMQConfig
	RedisConfig                   RedisConfig
	SES                           SESConfig
}

type DatabaseConfig struct {
	Username     string `envconfig:"DB_USERNAME"`
	Password     string `envconfig:"DB_PASSWORD"`
	Host         string `envconfig:"DB_HOST"`
	Port         string `envconfig:"DB_PORT"`
	Database     string `envconfig:"DB_DATABASE"`
	DatabaseTest string `envconfig:"DB_DATABASE_TEST"`
	SSLMode      string `envconfig:"DB_SSL_MODE" default:"require"`
	PoolMaxConns int    `envconfig:"DB_POOL_MAX_CONNS" default:"1"`
}

type RabbitMQConfig struct {
	Username         string `envconfig:"RABBIT_USERNAME"`
	Password         string `envconfig:"RABBIT_PASSWORD"`
	Host             string `envconfig:"RABBIT_HOST"`
	Port             string `envconfig:"RABBIT_PORT"`
	BouncesQueueName string `envconfig:"BOUNCES_QUEUE_NAME" default:"relay-bounces"`
}

type RedisConfig struct {
	Username string `envconfig:"REDIS_USERNAME"`
	Password string `envconfig:"REDIS_PASSWORD"`
	Host     string `envconfig:"REDIS_HOST"`
	Port     string `envconfig:"REDIS_PORT"`
	DBIndex  int32  `envconfig:"REDIS_DB_INDEX"`
}

type SESConfig struct {
	FromEmail string `envconfig:"SES_FROM_EMAIL"`
	Region    string `envconfig:"AWS_REGION" default:"eu-west-1"`
}

// ToMigrationUri returns a string specifically for the migration package with the right prefix
func (d DatabaseConfig) ToMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
	)
}

// ToTestMigrationUri returns a string specifically for the migration package with the right prefix for test database
func (d DatabaseConfig) ToTestMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DatabaseTest,
		d.SSLMode,
	)
}

// ToDbConnectionUri returns a connection URI to be used with the pgx package
func (d DatabaseConfig) ToDbConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToTestDBConnectionUri returns a string specifically for running the integration tests
func (d DatabaseConfig) ToTestDBConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DatabaseTest,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToRabbitConnectionUri returns a connection URI to be used with the rabbitmq/amqp091-go package
func (d RabbitMQConfig) ToRabbitConnectionUri() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
	)
}

// GetMainQueueNames returns a list of queue names which must be declared before consuming
func (d RabbitMQConfig) GetMainQueueNames() []string {
	return []string{d.BouncesQueueName}
}

// ToRedisConnectionUri returns a connection URI to be used with the redis/go-redis/v9 package
func (d RedisConfig) ToRedisConnectionUri() string {
	return fmt.Sprintf("redis://%s:%s@%s:%s/%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DBIndex,
	)
}

func InitConfig() *Config {
	err := godotenv.Load()

	if err != nil && !os.IsNotExist(err) {
		log.Fatalf("Unable to load .env %v", err)
	}

	var cfg Config
	err = envconfig.Process("", &cfg)
	if err != nil {
		fmt.Print("Cannot load env")
	}

	return &cfg
}
