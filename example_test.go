// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !race

// This file contains examples that use atomix concurrency primitives.
// These trigger false positives with Go's race detector because atomix
// atomic operations appear as regular memory accesses to the detector.
// The examples are correct; they're excluded from race testing.

package shmq_test

import (
	"fmt"
	"os"

	"code.hybscloud.com/shmq"
)

// ExampleFetch demonstrates named fan-out queues between a producer
// handle and a consumer handle on the same segment.
func ExampleFetch() {
	// A name unique to this run keeps reruns deterministic.
	name := fmt.Sprintf("shmq_example_fetch_%d", os.Getpid())
	pool, _ := shmq.NewPool(name, 64000)
	defer func() {
		pool.Unlink()
		pool.Close()
	}()

	type reading struct {
		Sensor int32
		Value  int32
	}

	// The first Fetch creates the queue; later ones attach by name.
	consumer, _ := shmq.Fetch[reading](shmq.New(8).WithPool(pool), "sensors")
	producer, _ := shmq.Fetch[reading](shmq.New(8).ProducerOnly().WithPool(pool), "sensors")

	for i := range 3 {
		r := reading{Sensor: int32(i), Value: int32(i) * 10}
		producer.Enqueue(&r)
	}

	for range 3 {
		r, _ := consumer.DequeueNext()
		fmt.Println(r.Sensor, r.Value)
	}

	// Output:
	// 0 0
	// 1 10
	// 2 20
}

// ExampleCreateMPSC demonstrates the raw MPSC ring shared between two
// pool handles, the in-process rendition of two processes mapping the
// same segment.
func ExampleCreateMPSC() {
	name := fmt.Sprintf("shmq_example_mpsc_%d", os.Getpid())
	p1, _ := shmq.NewPool(name, 64000)
	p2, _ := shmq.NewPool(name, 64000)
	defer func() {
		p1.Unlink()
		p1.Close()
		p2.Close()
	}()

	producer, _ := shmq.CreateMPSC[int](p1, 8)
	consumer, _ := shmq.LoadMPSC[int](p2, producer.Offset())

	for i := 1; i <= 4; i++ {
		v := i * 100
		producer.EnqueueBlocking(&v)
	}

	for range 4 {
		fmt.Println(consumer.DequeueNextBlocking())
	}

	// Output:
	// 100
	// 200
	// 300
	// 400
}

// ExampleQueue_Enqueue demonstrates fan-out delivery: every consumer
// observes every element.
func ExampleQueue_Enqueue() {
	name := fmt.Sprintf("shmq_example_fanout_%d", os.Getpid())
	pool, _ := shmq.NewPool(name, 64000)
	defer func() {
		pool.Unlink()
		pool.Close()
	}()

	first, _ := shmq.Fetch[int](shmq.New(8).WithPool(pool), "broadcast")
	second, _ := shmq.Fetch[int](shmq.New(8).WithPool(pool), "broadcast")
	producer, _ := shmq.Fetch[int](shmq.New(8).ProducerOnly().WithPool(pool), "broadcast")

	v := 42
	producer.Enqueue(&v)

	a, _ := first.DequeueNext()
	b, _ := second.DequeueNext()
	fmt.Println(a, b)

	// Output:
	// 42 42
}
