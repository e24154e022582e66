// Copyright 2026 Spiralverse Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package database opens and manages the GORM connection behind the audit
journal.

# Overview

Open picks a dialector from the journal driver (sqlite through the pure-Go
glebarez driver, postgres or mysql) and applies the pool limits from
config.JournalConfig. PoolManager wraps the resulting *gorm.DB with
lifecycle methods, a health check the daemon's scheduler calls
periodically, and transaction helpers with bounded retry for transient
failures such as deadlocks and serialization conflicts.
*/
package database
