/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package rpcstream_test

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/duskrpc/duskwire/rpcstream"
)

var _ = Describe("Status", func() {
	It("reports OK() only for Code zero", func() {
		Expect(rpcstream.Status{Code: rpcstream.OK}.OK()).To(BeTrue())
		Expect(rpcstream.Status{Code: rpcstream.Canceled}.OK()).To(BeFalse())
	})

	It("formats Error() with the message when present", func() {
		s := rpcstream.Status{Code: rpcstream.Unavailable, Message: "peer gone"}
		Expect(s.Error()).To(Equal("Unavailable: peer gone"))
	})

	It("falls back to the bare code when Message is empty", func() {
		s := rpcstream.Status{Code: rpcstream.DeadlineExceeded}
		Expect(s.Error()).To(Equal("DeadlineExceeded"))
	})

	DescribeTable("wire round-trip preserves code, message, and metadata",
		func(s rpcstream.Status) {
			wire, err := rpcstream.EncodeStatus(s)
			Expect(err).NotTo(HaveOccurred())
			got, err := rpcstream.DecodeStatus(wire)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Code).To(Equal(s.Code))
			Expect(got.Message).To(Equal(s.Message))
			Expect(got.Metadata).To(Equal(s.Metadata))
		},
		Entry("OK, no message", rpcstream.Status{Code: rpcstream.OK}),
		Entry("Unknown with message", rpcstream.Status{Code: rpcstream.Unknown, Message: "boom"}),
		Entry("InvalidArgument with metadata", rpcstream.Status{
			Code: rpcstream.InvalidArgument, Message: "bad field",
			Metadata: map[string]string{"field": "amount"},
		}),
	)

	It("decodes an empty payload as an OK status", func() {
		got, err := rpcstream.DecodeStatus(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.OK()).To(BeTrue())
	})
})

var _ = Describe("Stream lifecycle", func() {
	var client, server *rpcstream.Stream

	BeforeEach(func() {
		client, server = pair(GinkgoT(), rpcstream.Unary, stringMarshal)
	})

	It("delivers WriteTrailer's status to the client as a terminal error", func() {
		Expect(client.SendMessage("ping", true)).To(Succeed())
		_, err := server.NextMessage(context.Background())
		Expect(err).NotTo(HaveOccurred())

		Expect(server.WriteTrailer(rpcstream.Status{Code: rpcstream.InvalidArgument, Message: "nope"})).To(Succeed())

		_, err = client.NextMessage(context.Background())
		Expect(err).To(HaveOccurred())
		status, ok := err.(rpcstream.Status)
		Expect(ok).To(BeTrue())
		Expect(status.Code).To(Equal(rpcstream.InvalidArgument))
	})

	It("moves both ends to Closed once a local Cancel fires", func() {
		client.Cancel(rpcstream.Status{Code: rpcstream.Canceled, Message: "bye"})
		Expect(client.State()).To(Equal(rpcstream.Closed))

		Eventually(func() rpcstream.State { return server.State() }).Should(Equal(rpcstream.Closed))
	})
})
