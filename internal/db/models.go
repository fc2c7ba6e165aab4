package db

import "github.com/saveupapp/saveup/internal/models"

type Order = models.Order
type OrderItem = models.OrderItem
type OrderStatus = models.OrderStatus
type Product = models.Product
type StaffUser = models.StaffUser
type Customer = models.Customer
type Settlement = models.Settlement
type SettlementSummary = models.SettlementSummary
