// Package database manages the gorm connection pool used by the durable
// workflow store and the relational retriever: pool sizing, background
// health checks and transaction retry for transient failures.
package database
